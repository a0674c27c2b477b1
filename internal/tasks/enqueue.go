package tasks

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"
)

var client *asynq.Client

// InitClient initializes the shared enqueue client.
func InitClient() {
	client = asynq.NewClient(redisOpt())
}

func redisOpt() asynq.RedisClientOpt {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return asynq.RedisClientOpt{Addr: addr}
}

func ensureClient() *asynq.Client {
	if client == nil {
		InitClient()
	}
	return client
}

// EnqueueClaimRetry schedules a later re-run of a recipient's claim
// batch. Best-effort: the periodic sweep is the backstop.
func EnqueueClaimRetry(p ClaimRetryPayload, delay time.Duration) error {
	b, _ := json.Marshal(p)
	task := asynq.NewTask(TaskClaimRetry, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("claims"), asynq.ProcessIn(delay), asynq.MaxRetry(5))
	if err != nil {
		log.Printf("failed to enqueue claim retry for user %s: %v", p.UserID, err)
	}
	return err
}

// EnqueueSettlementPoll triggers a receipt poll for one chain now.
func EnqueueSettlementPoll(chainID int64) error {
	b, _ := json.Marshal(ScopePayload{ChainID: chainID})
	_, err := ensureClient().Enqueue(asynq.NewTask(TaskSettlementPoll, b), asynq.Queue("settlement"))
	return err
}

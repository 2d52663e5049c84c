package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gmail-bridge/internal/bridge/repository"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GmailNotification is the payload Gmail publishes on a mailbox change.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Waker starts a poll cycle of an account ahead of schedule.
type Waker interface {
	Trigger(ownerID string) bool
}

type Service struct {
	pubsubClient *pubsub.Client
	accounts     repository.AccountRepository
	waker        Waker
	log          *zap.Logger
	topicName    string
	subName      string

	mu sync.Mutex
	// last historyId seen per owner, to drop redelivered notifications
	lastHistoryID map[string]uint64
}

func NewService(ctx context.Context, projectID, topicName, credentialsFile string, accounts repository.AccountRepository, waker Waker, log *zap.Logger) (*Service, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %v", err)
	}

	// accept the full resource name Gmail watches use
	if parts := strings.Split(topicName, "/"); len(parts) > 1 {
		topicName = parts[len(parts)-1]
	}
	s := newService(accounts, waker, log)
	s.pubsubClient = client
	s.topicName = topicName
	s.subName = topicName + "-bridge-sub"
	return s, nil
}

func newService(accounts repository.AccountRepository, waker Waker, log *zap.Logger) *Service {
	return &Service{
		accounts:      accounts,
		waker:         waker,
		log:           log.Named("pubsub"),
		lastHistoryID: make(map[string]uint64),
	}
}

// Start receives notifications until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("Starting notification service", zap.String("topic", s.topicName), zap.String("subscription", s.subName))

	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		s.log.Error("Error checking subscription", zap.Error(err))
		return
	}
	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			s.log.Error("Error checking topic", zap.Error(err))
			return
		}
		if !topicExists {
			s.log.Error("Topic does not exist, cannot create subscription", zap.String("topic", s.topicName))
			return
		}
		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			s.log.Error("Failed to create subscription", zap.Error(err))
			return
		}
		s.log.Info("Created subscription", zap.String("subscription", s.subName))
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg.Data)
		// polling is the source of truth, so a lost wake-up only delays mail
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		s.log.Error("Error receiving messages", zap.Error(err))
	}
}

// Close releases the pubsub client.
func (s *Service) Close() error {
	return s.pubsubClient.Close()
}

// handleMessage wakes the poll loop of the mailbox named in data. It reports
// whether a loop was woken.
func (s *Service) handleMessage(ctx context.Context, data []byte) bool {
	var n GmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		s.log.Warn("Failed to unmarshal notification", zap.Error(err))
		return false
	}

	account, err := s.accounts.FindByEmail(ctx, n.EmailAddress)
	if err != nil {
		s.log.Error("Error finding account", zap.String("email", n.EmailAddress), zap.Error(err))
		return false
	}
	if account == nil {
		s.log.Debug("No account for notification", zap.String("email", n.EmailAddress))
		return false
	}

	s.mu.Lock()
	last, seen := s.lastHistoryID[account.OwnerID]
	if seen && n.HistoryID <= last {
		s.mu.Unlock()
		s.log.Debug("Skipping duplicate notification",
			zap.String("owner", account.OwnerID),
			zap.Uint64("history_id", n.HistoryID),
			zap.Uint64("last", last),
		)
		return false
	}
	s.lastHistoryID[account.OwnerID] = n.HistoryID
	s.mu.Unlock()

	woken := s.waker.Trigger(account.OwnerID)
	s.log.Debug("Mailbox changed",
		zap.String("owner", account.OwnerID),
		zap.Uint64("history_id", n.HistoryID),
		zap.Bool("woken", woken),
	)
	return woken
}

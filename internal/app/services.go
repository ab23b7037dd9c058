package app

import (
	"fmt"
	"time"

	"wappsentinel/internal/ai"
	"wappsentinel/internal/config"
	"wappsentinel/internal/conversation"
	"wappsentinel/internal/greenapi"
	"wappsentinel/internal/lock"
	"wappsentinel/internal/queue"
	"wappsentinel/internal/services"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const janitorInterval = 10 * time.Minute

// Services holds all application services
type Services struct {
	Config *config.Config
	DB     *gorm.DB
	Broker queue.Broker
	Locker lock.Locker

	Gateway *greenapi.Client // nil when Green API is not configured
	Sender  services.MessageSender
	Storage *services.StorageService // nil when archiving is disabled

	IngestionService     *services.IngestionService
	OutboxRelay          *services.OutboxRelay
	TranscriptionService *services.TranscriptionService
	ConversationService  *services.ConversationService
	ConversationJanitor  *services.ConversationJanitor
	DeadLetterService    *services.DeadLetterService
	ReportService        *services.ReportService
	ReportScheduler      *services.ReportScheduler
	HealthService        *services.HealthService

	closers []func() error
}

// NewServices creates a new services container
func NewServices(cfg *config.Config, db *gorm.DB, broker queue.Broker) (*Services, error) {
	s := &Services{Config: cfg, DB: db, Broker: broker}

	locker, err := newLocker(cfg.Queue, broker, s)
	if err != nil {
		return nil, err
	}
	s.Locker = locker

	if cfg.GreenAPI.Enabled() {
		s.Gateway = greenapi.NewClient(cfg.GreenAPI)
		s.Sender = s.Gateway
	} else {
		log.Warn().Msg("Green API not configured, replies will only be logged")
		s.Sender = greenapi.LogSender{}
	}

	var archiver services.Archiver
	if cfg.Archive.Enabled() {
		storage, err := services.NewStorageService(cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		s.Storage = storage
		archiver = storage
	}

	llm := ai.NewClient(cfg.LLM)
	loc := cfg.Report.Location()
	machine := conversation.NewMachine(ai.NewExtractor(llm), conversation.Options{
		MaxRetries: cfg.Conversation.MaxRetries,
		Location:   loc,
	})

	s.IngestionService = services.NewIngestionService(db)
	s.OutboxRelay = services.NewOutboxRelay(db, broker, cfg.OutboxPollInterval)
	s.TranscriptionService = services.NewTranscriptionService(db, ai.NewTranscriber(llm), loc)
	s.ConversationService = services.NewConversationService(db, machine, locker, s.Sender, services.ConversationOptions{
		LockTTL:      cfg.Conversation.LockTTL,
		ApologyAfter: cfg.Conversation.ApologyAfter,
		MaxAttempts:  cfg.Queue.MaxDeliveries,
	})
	s.ConversationJanitor = services.NewConversationJanitor(db, cfg.Conversation.IdleTTL, janitorInterval)
	s.DeadLetterService = services.NewDeadLetterService(db, archiver)
	s.ReportService = services.NewReportService(db, s.Sender, loc)
	s.ReportScheduler = services.NewReportScheduler(s.ReportService, cfg.Report.ChatID, cfg.Report.At())

	var gateway services.GatewayStater
	if s.Gateway != nil {
		gateway = s.Gateway
	}
	s.HealthService = services.NewHealthService(db, gateway)

	return s, nil
}

// newLocker picks the chat lock backend. Streams already need Redis, so the
// redis driver shares its client; kafka opens its own; memory stays local.
func newLocker(cfg config.QueueConfig, broker queue.Broker, s *Services) (lock.Locker, error) {
	switch b := broker.(type) {
	case *queue.RedisBroker:
		return lock.NewRedisLocker(b.Client()), nil
	case *queue.MemoryBroker:
		return lock.NewLocalLocker(), nil
	}

	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set, chat locks are process-local")
		return lock.NewLocalLocker(), nil
	}
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s.closers = append(s.closers, rdb.Close)
	return lock.NewRedisLocker(rdb), nil
}

// Close releases connections opened by the container
func (s *Services) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Failed to close resource")
		}
	}
	if err := s.Broker.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close queue broker")
	}
}

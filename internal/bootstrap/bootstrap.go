package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"call-relay/internal/clients/deepgram"
	"call-relay/internal/clients/elevenlabs"
	"call-relay/internal/clients/googleai"
	kafkaClient "call-relay/internal/clients/kafka"
	openaiClient "call-relay/internal/clients/openai"
	redisClient "call-relay/internal/clients/redis"
	twilioClient "call-relay/internal/clients/twilio"
	"call-relay/internal/config"
	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voice/pipeline"
	"call-relay/internal/voicecall/actions"
	"call-relay/internal/voicecall/agents"
	"call-relay/internal/voicecall/callcontext"
	voiceCallHandler "call-relay/internal/voicecall/handler"
	"call-relay/internal/voicecall/session"
	"call-relay/internal/voicecall/stream"
	"call-relay/internal/workers"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Store   *store.Store

	// Handlers
	PhoneHandler voiceCallHandler.Handler

	// Background workers
	ArchivePool workers.WorkerPool

	// Clients (for cleanup)
	Redis         *redisClient.Client
	KafkaProducer *kafkaClient.Producer
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*Dependencies, error) {
	deps := &Dependencies{
		Logger:  logger,
		Metrics: metrics,
	}

	// Call context store: Redis when enabled, in memory otherwise
	var contexts callcontext.Store = callcontext.NewMemoryStore(cfg.Redis.ContextTTL)
	redis, err := redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if redis != nil {
		deps.Redis = redis
		contexts = callcontext.NewRedisStore(redis, cfg.Redis.ContextTTL, logger)
	}

	// Initialize database store
	if cfg.Database.Enabled {
		s, err := store.New(cfg.Database.ConnectionString(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		deps.Store = &s
	}

	// Initialize Kafka producer
	if brokers := cfg.Kafka.KafkaBrokers(); len(brokers) > 0 {
		deps.KafkaProducer = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
			Brokers: brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
	}

	catalog, err := loadAgents(ctx, cfg.Agent, logger)
	if err != nil {
		return nil, err
	}

	generator, err := newGenerator(ctx, cfg.Providers, logger)
	if err != nil {
		return nil, err
	}

	var telephony actions.Telephony
	if cfg.Telephony.AccountSID != "" {
		client, err := twilioClient.NewClient(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		telephony = client
	} else {
		logger.Warn(ctx, "telephony credentials not set, call actions fall back to closing the stream")
	}

	// Initialize archive worker pool
	var archiver session.Archiver
	if pool := newArchivePool(cfg.Archive, deps, metrics, logger); pool != nil {
		deps.ArchivePool = pool
		archiver = pool
	}

	var archive voiceCallHandler.CallArchive
	if deps.Store != nil {
		archive = deps.Store
	}

	sessionDeps := session.Deps{
		Recognizer: deepgram.NewRecognizer(deepgram.LiveConfig{
			APIKey: cfg.Providers.DeepgramAPIKey,
			Model:  cfg.Providers.DeepgramModel,
		}, logger),
		Generator:    generator,
		Synthesizers: newSynthesizerFactory(ctx, cfg.Providers, logger),
		Telephony:    telephony,
		Resolver:     callcontext.NewResolver(contexts, cfg.Session.ContextLookupRetries, cfg.Session.ContextLookupDelay, logger),
		Agents:       catalog,
		Registry:     session.NewRegistry(),
		Archiver:     archiver,
		Logger:       logger,
		Metrics:      metrics,
	}
	deps.PhoneHandler = voiceCallHandler.New(contexts, archive, sessionDeps, voiceCallHandler.Config{
		PublicHost: cfg.Server.PublicHost,
		Session:    sessionConfig(cfg),
	}, logger)

	return deps, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.HealthCheckInterval = cfg.Session.HealthCheckInterval
	sc.MaxHealthFailures = cfg.Session.MaxHealthFailures
	sc.DefaultAgentID = cfg.Agent.DefaultID
	sc.Transport = stream.DefaultConfig()
	sc.Transcription.MaxReconnectAttempts = cfg.Session.MaxReconnectAttempts
	sc.Transcription.InitialBackoff = cfg.Session.ReconnectDelay
	sc.Pipeline = pipeline.DefaultConfig()
	sc.Pipeline.Pacer.PrebufferFrames = cfg.Session.PrebufferFrames
	sc.Actions = actions.DefaultConfig()
	sc.Actions.TransferNumber = cfg.Telephony.TransferNumber
	sc.Actions.GracePeriod = cfg.Session.HangupGracePeriod
	return sc
}

func loadAgents(ctx context.Context, cfg config.AgentConfig, logger *observability.Logger) (*agents.Catalog, error) {
	catalog, err := agents.Load(cfg.File)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn(ctx, "agents file not found, calls will use an empty agent profile",
			observability.Field{Key: "file", Value: cfg.File},
		)
		return agents.NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	if _, err := catalog.Get(cfg.DefaultID); err != nil {
		logger.Warn(ctx, "default agent not defined", observability.Field{Key: "agent_id", Value: cfg.DefaultID})
	}
	logger.Info(ctx, "loaded agent profiles", observability.Field{Key: "count", Value: len(catalog.List())})
	return catalog, nil
}

func newGenerator(ctx context.Context, cfg config.ProvidersConfig, logger *observability.Logger) (pipeline.Generator, error) {
	switch cfg.LLMService {
	case config.LLMServiceGemini:
		client, err := googleai.NewClient(ctx, googleai.Config{APIKey: cfg.GoogleAIKey, Model: cfg.GeminiModel}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		return client, nil
	default:
		client, err := openaiClient.NewClient(openaiClient.Config{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return client, nil
	}
}

// newSynthesizerFactory maps an agent voice onto the configured TTS service.
// An empty voice selects the service default.
func newSynthesizerFactory(ctx context.Context, cfg config.ProvidersConfig, logger *observability.Logger) session.SynthesizerFactory {
	pick := func(voice, fallback string) string {
		if voice != "" {
			return voice
		}
		return fallback
	}

	switch cfg.TTSService {
	case config.TTSServiceElevenLabs:
		return func(voice string) pipeline.Synthesizer {
			client, err := elevenlabs.NewClient(cfg.ElevenLabsAPIKey, pick(voice, cfg.ElevenLabsVoiceID), logger)
			if err != nil {
				logger.Error(ctx, "failed to create elevenlabs client", err)
				return nil
			}
			return client
		}
	case config.TTSServiceOpenAI:
		return func(voice string) pipeline.Synthesizer {
			client, err := openaiClient.NewClient(openaiClient.Config{
				APIKey:   cfg.OpenAIAPIKey,
				TTSModel: cfg.OpenAITTSModel,
				Voice:    pick(voice, cfg.OpenAITTSVoice),
			}, logger)
			if err != nil {
				logger.Error(ctx, "failed to create openai speech client", err)
				return nil
			}
			return client
		}
	default:
		return func(voice string) pipeline.Synthesizer {
			return deepgram.NewSpeaker(cfg.DeepgramAPIKey, pick(voice, cfg.DeepgramVoice), logger)
		}
	}
}

// newArchivePool runs the configured archive processors. It returns nil when
// neither the database nor Kafka is configured.
func newArchivePool(cfg config.ArchiveConfig, deps *Dependencies, metrics *observability.Metrics, logger *observability.Logger) workers.WorkerPool {
	var processors []workers.CallRecordProcessor
	if deps.Store != nil {
		processors = append(processors, store.NewCallRecordProcessor(deps.Store))
	}
	if deps.KafkaProducer != nil {
		processors = append(processors, kafkaClient.NewCallEventProcessor(deps.KafkaProducer))
	}
	if len(processors) == 0 {
		logger.Warn(context.Background(), "no call archive configured, finished calls are not persisted")
		return nil
	}

	poolConfig := workers.DefaultWorkerPoolConfig()
	poolConfig.NumWorkers = cfg.Workers
	poolConfig.QueueSize = cfg.QueueSize
	poolConfig.OnResult = func(result workers.ProcessingResult) {
		outcome := "success"
		if result.Error != nil {
			outcome = "failure"
		}
		metrics.ArchiveResults.WithLabelValues(result.Processor, outcome).Inc()
	}
	return workers.NewWorkerPool(poolConfig, workers.NewMultiProcessor(processors...), logger)
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup(ctx context.Context) {
	if d.ArchivePool != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := d.ArchivePool.Drain(drainCtx); err != nil {
			d.Logger.Error(ctx, "failed to drain archive pool", err)
			d.ArchivePool.Stop()
		}
		cancel()
	}
	if d.KafkaProducer != nil {
		if err := d.KafkaProducer.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close kafka producer", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close redis client", err)
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close database", err)
		}
	}
}

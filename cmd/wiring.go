package cmd

import (
	"context"
	"fmt"
	"time"

	"specbot/config"
	"specbot/gemini"
	"specbot/generator"
	"specbot/image"
	"specbot/lock"
	"specbot/ollama"
	"specbot/openai"
	"specbot/prompts"
	"specbot/provider"
	"specbot/rabbitmq"
	"specbot/service"
	"specbot/stubllm"
	"specbot/validator"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// backend is a provider that serves both capabilities.
type backend interface {
	provider.VisionProvider
	provider.TextProvider
}

type pipeline struct {
	vision    *provider.VisionChain
	text      *provider.TextChain
	validator *validator.Validator
	prompts   *prompts.Builder
	generator *generator.Generator
}

// buildBackends instantiates providers in PROVIDER_ORDER. Backends missing
// credentials are kept but reported so the chains can mark them disabled.
func buildBackends(c *config.Config, stubOnly bool) (backends []backend, disabled []string, err error) {
	if stubOnly {
		return []backend{stubllm.NewClient()}, nil, nil
	}
	for _, name := range c.ProviderOrder {
		switch name {
		case "gemini":
			backends = append(backends, gemini.NewClient(c.GeminiAPIKey, c.GeminiActiveModel(), c.ProviderTimeout))
			if c.GeminiAPIKey == "" {
				disabled = append(disabled, name)
			}
		case "openai":
			backends = append(backends, openai.NewClient(c.OpenAIAPIKey, c.OpenAIModel, c.ProviderTimeout))
			if c.OpenAIAPIKey == "" {
				disabled = append(disabled, name)
			}
		case "ollama":
			if c.OllamaHost == "" {
				log.Infof("ollama listed in PROVIDER_ORDER but OLLAMA_HOST is empty, skipping")
				continue
			}
			client, err := ollama.NewClient(c.OllamaHost, c.OllamaVisionModel, c.OllamaTextModel, c.ProviderTimeout)
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, client)
		case "stub":
			backends = append(backends, stubllm.NewClient())
		default:
			return nil, nil, fmt.Errorf("unknown provider %q in PROVIDER_ORDER", name)
		}
	}
	if len(backends) == 0 {
		return nil, nil, fmt.Errorf("PROVIDER_ORDER selects no providers")
	}
	return backends, disabled, nil
}

func buildPipeline(c *config.Config, stubOnly bool) (*pipeline, error) {
	backends, disabled, err := buildBackends(c, stubOnly)
	if err != nil {
		return nil, err
	}

	visionProviders := make([]provider.VisionProvider, len(backends))
	textProviders := make([]provider.TextProvider, len(backends))
	for i, b := range backends {
		visionProviders[i] = b
		textProviders[i] = b
	}

	chainCfg := provider.ChainConfig{MaxRetries: c.ChainMaxRetries, RetryDelay: c.ChainRetryDelay}
	p := &pipeline{
		vision: provider.NewVisionChain(chainCfg, visionProviders...),
		text:   provider.NewTextChain(chainCfg, textProviders...),
	}
	for _, name := range disabled {
		log.Warnf("%s has no API key, disabled", name)
		p.vision.SetStatus(name, provider.StatusDisabled)
		p.text.SetStatus(name, provider.StatusDisabled)
	}

	p.validator = newValidator(c)

	p.prompts, err = prompts.NewBuilder(p.validator.MinLength())
	if err != nil {
		return nil, err
	}

	p.generator = generator.New(p.vision, p.text, p.validator, p.prompts, generator.Config{
		MaxRetries:        c.GenerationRetries,
		MinAnalysisLength: c.MinAnalysisLength,
		MaxTokens:         c.MaxGenerationTokens,
		Temperature:       c.GenerationTemperature,
	})
	return p, nil
}

func newValidator(c *config.Config) *validator.Validator {
	vcfg := validator.DefaultConfig()
	vcfg.MinLength = c.MinSpecLength
	vcfg.MaxMissing = c.ValidatorMaxMissing
	vcfg.LengthTolerance = c.ValidatorLengthTolerance
	vcfg.MinScore = c.ValidatorMinScore
	vcfg.MinHexColors = c.ValidatorMinHexColors
	vcfg.MaxVaguePhrases = c.ValidatorMaxVague
	return validator.New(vcfg)
}

func photoOptions(c *config.Config) image.Options {
	return image.Options{MaxDimension: c.PhotoMaxDimension, Quality: c.PhotoJPEGQuality}
}

func serviceConfig(c *config.Config) service.Config {
	sc := service.DefaultConfig()
	sc.GenerationCost = c.GenerationCost
	sc.FreeCredits = c.FreeCredits
	sc.MaxPhotos = c.MaxPhotos
	sc.LockTTL = c.GenerationLockTTL
	sc.Photo = photoOptions(c)
	sc.RoutingKey = c.EventsRoutingKey
	return sc
}

// buildLocker uses redis when REDIS_ADDR is set and an in-process lock otherwise.
func buildLocker(c *config.Config) (lock.Locker, func(), error) {
	if c.RedisAddr == "" {
		return lock.NewMemoryLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", c.RedisAddr, err)
	}
	log.Infof("Using redis generation lock at %s", c.RedisAddr)
	return lock.NewRedisLocker(client, "specbot:"), func() { client.Close() }, nil
}

// buildPublisher returns a nil publisher when no broker is configured or
// reachable; generation works without events.
func buildPublisher(c *config.Config) (service.EventPublisher, func()) {
	url := c.AMQPURL()
	if url == "" {
		return nil, func() {}
	}
	pub, err := rabbitmq.NewPublisher(url, c.EventsExchange)
	if err != nil {
		log.WithError(err).Warn("Failed to initialize RabbitMQ publisher, events disabled")
		return nil, func() {}
	}
	return pub, func() { pub.Close() }
}

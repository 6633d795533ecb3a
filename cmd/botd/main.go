// botd is the relay bot service: it verifies users, provisions their relay
// sessions, and runs the per-rule forwarding tasks.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	accountrepo "forward-relay/internal/account/repository"
	adminservice "forward-relay/internal/admin/service"
	"forward-relay/internal/bot"
	"forward-relay/internal/config"
	"forward-relay/internal/db"
	otprepo "forward-relay/internal/otp/repository"
	"forward-relay/internal/registry"
	"forward-relay/internal/relay"
	relayrepo "forward-relay/internal/relay/repository"
	rulerepo "forward-relay/internal/rule/repository"
	ruleservice "forward-relay/internal/rule/service"
	"forward-relay/internal/security"
	"forward-relay/internal/sms"
	"forward-relay/internal/telemetry"
	telemetryotel "forward-relay/internal/telemetry/otel"
	"forward-relay/internal/telemetry/producer"
	telegramtransport "forward-relay/internal/transport/telegram"
	"forward-relay/internal/verify"
)

// botNotifier delivers broadcast messages over the bot API.
type botNotifier struct {
	api *tgbotapi.BotAPI
}

func (n *botNotifier) SendText(_ context.Context, userID int64, text string) error {
	_, err := n.api.Send(tgbotapi.NewMessage(userID, text))
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.BotToken == "" {
		log.Fatal("botd: BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("botd: DATABASE_URL is required")
	}
	if cfg.TelegramAPIID == 0 || cfg.TelegramAPIHash == "" {
		log.Fatal("botd: TG_API_ID and TG_API_HASH are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "forward-relay-botd", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	sealer, err := security.NewSealer(cfg.SealKey())
	if err != nil {
		log.Fatalf("security: %v", err)
	}

	accounts := accountrepo.NewPostgresRepository(database)
	challenges := otprepo.NewPostgresRepository(database)
	rules := rulerepo.NewPostgresRepository(database)
	records := relayrepo.NewPostgresRepository(database)

	emitter := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	if err != nil {
		log.Fatalf("telemetry: kafka: %v", err)
	}
	if kafkaProducer != nil {
		emitter = append(emitter, kafkaProducer)
		defer kafkaProducer.Close()
	}

	var sender sms.Sender
	if cfg.SMSAPIKey != "" {
		sender = sms.NewSMSLocalClient(cfg.SMSAPIKey, cfg.SMSBaseURL, cfg.SMSSender)
	}

	dialer := telegramtransport.NewDialer(cfg.TelegramAPIID, cfg.TelegramAPIHash)
	sessions := registry.New(accounts, dialer, sealer)

	verifySvc := verify.NewService(accounts, challenges, sender, dialer, sealer, sessions, cfg.OTPLifetime())
	engine := relay.NewEngine(rules, records, sessions, emitter, cfg.RelayBackoffCap())
	ruleSvc := ruleservice.NewRuleService(rules, records, sessions, engine, cfg.RuleQuota)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}
	log.Printf("botd: authorized as @%s", api.Self.UserName)

	adminSvc := adminservice.NewAdminService(accounts, rules, records, &botNotifier{api: api}, emitter, cfg.BroadcastInterval())
	b := bot.New(api, verifySvc, ruleSvc, adminSvc, accounts, emitter, cfg.AdminIDList())

	if err := sessions.RestoreAll(ctx); err != nil {
		log.Printf("botd: restore sessions: %v", err)
	}
	if err := engine.Resume(ctx); err != nil {
		log.Printf("botd: resume rules: %v", err)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("botd: shutting down...")
		api.StopReceivingUpdates()
		cancel()
	}()

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	b.Run(ctx, api.GetUpdatesChan(updateCfg))

	engine.Close()
	sessions.Close()

	// Let in-flight async telemetry drain before the providers shut down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("botd: telemetry shutdown: %v", err)
	}
	log.Println("botd: stopped")
}

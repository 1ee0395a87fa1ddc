package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	sentry "github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	chiware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunupay/sunupay/approval"
	"github.com/sunupay/sunupay/middleware"
	"github.com/sunupay/sunupay/payout"
	"github.com/sunupay/sunupay/rollout"
	"github.com/sunupay/sunupay/ussd"
	appctx "github.com/sunupay/sunupay/utils/context"
	"github.com/sunupay/sunupay/utils/logging"
	srv "github.com/sunupay/sunupay/utils/service"
)

// ServeCmd start up the sunupay api server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "subcommand to start up the api server",
	Run:   runServe,
}

func init() {
	RootCmd.AddCommand(ServeCmd)

	ServeCmd.Flags().String("address", ":3333", "the default address to bind to")
	Must(viper.BindPFlag("address", ServeCmd.Flags().Lookup("address")))
	Must(viper.BindEnv("address", "ADDR"))

	ServeCmd.Flags().String("redis-url", "localhost:6379", "the ussd session store address")
	Must(viper.BindPFlag("redis-url", ServeCmd.Flags().Lookup("redis-url")))
	Must(viper.BindEnv("redis-url", "REDIS_URL"))

	ServeCmd.Flags().String("kafka-brokers", "", "the kafka broker list")
	Must(viper.BindPFlag("kafka-brokers", ServeCmd.Flags().Lookup("kafka-brokers")))
	Must(viper.BindEnv("kafka-brokers", "KAFKA_BROKERS"))

	ServeCmd.Flags().String("sira-service", "", "the sira oracle address")
	Must(viper.BindPFlag("sira-service", ServeCmd.Flags().Lookup("sira-service")))
	Must(viper.BindEnv("sira-service", "SIRA_SERVICE"))

	ServeCmd.Flags().String("sira-token", "", "the sira oracle access token")
	Must(viper.BindPFlag("sira-token", ServeCmd.Flags().Lookup("sira-token")))
	Must(viper.BindEnv("sira-token", "SIRA_TOKEN"))

	ServeCmd.Flags().String("default-treasury", "", "the treasury account for single slice payouts")
	Must(viper.BindPFlag("default-treasury", ServeCmd.Flags().Lookup("default-treasury")))
	Must(viper.BindEnv("default-treasury", "DEFAULT_TREASURY"))

	ServeCmd.Flags().Bool("enable-job-workers", true, "enable background job workers")
	Must(viper.BindPFlag("enable-job-workers", ServeCmd.Flags().Lookup("enable-job-workers")))
	Must(viper.BindEnv("enable-job-workers", "ENABLE_JOB_WORKERS"))
}

func runServe(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.serve")

	ctx, r, jobs := setupRouter(ctx, logger)

	if viper.GetBool("enable-job-workers") {
		srv.RunJobs(ctx, jobList(jobs))
	}

	addr := viper.GetString("address")
	logger.Info().Str("addr", addr).Msg("server starting")

	server := &http.Server{
		Addr:        addr,
		Handler:     chi.ServerBaseContext(ctx, r),
		ReadTimeout: 15 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("server failed")
	}
}

// jobList adapts a plain slice to the JobService interface
type jobList []srv.Job

func (j jobList) Jobs() []srv.Job { return j }

func setupRouter(ctx context.Context, logger *zerolog.Logger) (context.Context, *chi.Mux, []srv.Job) {
	govalidator.SetFieldsRequiredByDefault(true)

	// stash service configuration where the service constructors look
	for key, name := range map[appctx.CTXKey]string{
		appctx.KafkaBrokersCTXKey:    "kafka-brokers",
		appctx.SiraServerCTXKey:      "sira-service",
		appctx.SiraTokenCTXKey:       "sira-token",
		appctx.DefaultTreasuryCTXKey: "default-treasury",
	} {
		if v := viper.GetString(name); v != "" {
			ctx = context.WithValue(ctx, key, v)
		}
	}

	r := chi.NewRouter()
	r.Use(chiware.RequestID)
	r.Use(chiware.RealIP)
	r.Use(chiware.Heartbeat("/"))
	r.Use(hlog.NewHandler(*logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiware.Timeout(15 * time.Second))
	r.Use(middleware.BearerToken)
	r.Use(middleware.OperatorRoles)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*.sunupay.sn"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "idempotency-key"},
		MaxAge:         300,
	}))

	jobs := []srv.Job{}
	databaseURL := viper.GetString("datastore")

	ussdDB, err := ussd.NewPostgres(databaseURL, true)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to ussd db")
	}
	sessions := ussd.NewRedisSessionStore(
		ussd.NewRedisPool(viper.GetString("redis-url")),
		ussd.DefaultConfig().SessionTimeout,
	)
	ussdService := ussd.InitService(sessions, ussdDB, ussd.DefaultConfig())
	r.Mount("/v1/ussd", ussd.Router(ussdService))

	payoutDB, err := payout.NewPostgres(databaseURL, true)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to payout db")
	}
	payoutService, err := payout.InitService(ctx, payoutDB)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("payout service initialization failed")
	}
	r.Mount("/v1/payouts", payout.Router(payoutService))

	rolloutDB, err := rollout.NewPostgres(databaseURL, true)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to rollout db")
	}
	rolloutService, err := rollout.InitService(ctx, rolloutDB)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("rollout service initialization failed")
	}
	jobs = append(jobs, rolloutService.Jobs()...)
	r.Mount("/v1/rollouts", rollout.Router(rolloutService))

	approvalDB, err := approval.NewPostgres(databaseURL, true)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to approval db")
	}
	approvalService, err := approval.InitService(ctx, approvalDB)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("approval service initialization failed")
	}
	jobs = append(jobs, approvalService.Jobs()...)
	r.Mount("/v1/approvals", approval.Router(approvalService))

	r.Get("/metrics", middleware.Metrics())

	return ctx, r, jobs
}

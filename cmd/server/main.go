// Package main runs the meeting engagement HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/connectra/backend/config"
	"github.com/connectra/backend/internal/attendance"
	"github.com/connectra/backend/internal/auth"
	"github.com/connectra/backend/internal/meetings"
	"github.com/connectra/backend/internal/memstore"
	"github.com/connectra/backend/internal/middleware"
	"github.com/connectra/backend/internal/models"
	"github.com/connectra/backend/internal/notify"
	"github.com/connectra/backend/internal/quizzes"
	"github.com/connectra/backend/internal/realtime"
	"github.com/connectra/backend/internal/reports"
	"github.com/connectra/backend/internal/zego"
	"github.com/connectra/backend/pkg/database"
	"github.com/connectra/backend/pkg/queue"
	"github.com/connectra/backend/pkg/redis"
	"github.com/connectra/backend/pkg/response"
	"github.com/connectra/backend/pkg/storage"
)

// userStore is every identity lookup the services share.
type userStore interface {
	auth.Users
	meetings.Roster
	CountStudentsByCohort(ctx context.Context, degree string, batch int) (int, error)
}

type meetingStore interface {
	meetings.Store
	attendance.MeetingFinder
}

type stores struct {
	users      userStore
	meetings   meetingStore
	attendance attendance.Store
	quizzes    quizzes.Store
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	var repos stores
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		repos = stores{
			users:      memstore.NewUsers(),
			meetings:   memstore.NewMeetings(),
			attendance: memstore.NewAttendance(),
			quizzes:    memstore.NewQuizzes(),
		}
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetime) * time.Minute,
		}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repos = stores{
			users:      auth.NewRepository(pool),
			meetings:   meetings.NewRepository(pool),
			attendance: attendance.NewRepository(pool),
			quizzes:    quizzes.NewRepository(pool),
		}
	}

	// Redis carries cross-instance fan-out and the notification queue; without
	// it the server runs as a single instance and drops notifications.
	var (
		hub      *realtime.Hub
		enqueuer notify.Enqueuer = notify.Discard{}
	)
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running single instance without notifications", zap.Error(err))
		hub = realtime.NewHub(logger, nil, nil)
	} else {
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
		enqueuer = queue.NewQueue(rdb.Client, logger)
	}
	dispatcher := notify.NewDispatcher(enqueuer, logger)

	issuer, err := zego.NewIssuer(cfg.Zego.AppID, cfg.Zego.ServerSecret)
	if err != nil {
		logger.Fatal("zego issuer", zap.Error(err))
	}

	var objects reports.ObjectStore
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Bucket:               cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("report export disabled", zap.Error(err))
		} else {
			objects = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	if err := auth.EnsureAdmin(ctx, repos.users, cfg.Admin.Email, cfg.Admin.Password, logger); err != nil {
		logger.Fatal("bootstrap admin", zap.Error(err))
	}

	// Core services
	ledger := attendance.NewLedger(repos.attendance, repos.meetings, repos.users, logger)
	lifecycle := meetings.NewLifecycle(repos.meetings, ledger, issuer, repos.users, meetings.Options{
		Notifier:    dispatcher,
		Broadcaster: hub,
		TokenTTL:    cfg.Zego.TokenTTLSeconds,
		Logger:      logger,
	})
	engine := quizzes.NewEngine(repos.quizzes, lifecycle, repos.users, quizzes.NewResponses(), quizzes.Options{
		Broadcaster: hub,
		TimeLimits:  cfg.Quiz.AllowedTimeLimits,
		Logger:      logger,
	})
	builder := reports.NewBuilder(lifecycle, repos.users, ledger, objects, nil, logger)

	// Handlers
	authHandler := auth.NewHandler(repos.users, jwtService, dispatcher, logger)
	meetingHandler := meetings.NewHandler(lifecycle)
	attendanceHandler := attendance.NewHandler(ledger, lifecycle, repos.users)
	quizHandler := quizzes.NewHandler(engine)
	reportHandler := reports.NewHandler(builder)

	jwtValidate := func(token string) (int64, models.Role, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return 0, "", err
		}
		return claims.UserID, claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, lifecycle))

	lecturer := middleware.RequireRole(models.RoleLecturer)
	student := middleware.RequireRole(models.RoleStudent)
	member := middleware.RequireRole(models.RoleLecturer, models.RoleStudent)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.ResolveCaller(repos.users))
	{
		api.POST("/admin/lecturers", middleware.RequireRole(models.RoleAdmin), authHandler.CreateLecturer)

		// Meetings
		api.POST("/meetings", lecturer, meetingHandler.Create)
		api.GET("/meetings", member, meetingHandler.List)
		api.GET("/meetings/:id", meetingHandler.Get)
		api.PUT("/meetings/:id", lecturer, meetingHandler.Update)
		api.PUT("/meetings/:id/cancel", lecturer, meetingHandler.Cancel)
		api.POST("/meetings/:id/join", member, meetingHandler.Join)
		api.PUT("/meetings/:id/leave", member, meetingHandler.Leave)
		api.PUT("/meetings/:id/stop", lecturer, meetingHandler.Stop)
		api.GET("/meetings/:id/participants", meetingHandler.Participants)

		// Attendance and reports
		api.GET("/meetings/:id/attendance", lecturer, attendanceHandler.ListForMeeting)
		api.GET("/me/attendance", student, attendanceHandler.History)
		api.GET("/meetings/:id/report", lecturer, reportHandler.Get)
		api.POST("/meetings/:id/report/export", lecturer, reportHandler.Export)

		// Quizzes
		api.POST("/meetings/:id/quizzes", lecturer, quizHandler.Create)
		api.GET("/meetings/:id/quizzes", lecturer, quizHandler.List)
		api.GET("/meetings/:id/quizzes/active", student, quizHandler.Active)
		api.POST("/quizzes/:id/launch", lecturer, quizHandler.Launch)
		api.POST("/quizzes/:id/end", lecturer, quizHandler.End)
		api.DELETE("/quizzes/:id", lecturer, quizHandler.Delete)
		api.POST("/quizzes/:id/responses", student, quizHandler.Submit)
		api.GET("/quizzes/:id/results", lecturer, quizHandler.Results)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

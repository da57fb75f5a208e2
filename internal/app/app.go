package app

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/controller"
	"assignment_backend/internal/repository"
	"assignment_backend/internal/service"
	"assignment_backend/pkg/configwatcher"
	"assignment_backend/pkg/database"
	"assignment_backend/pkg/logger"
	"assignment_backend/pkg/monitoring"
	"assignment_backend/pkg/security"
	"assignment_backend/pkg/tracing"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	cron            *cron.Cron
	tracer          *sdktrace.TracerProvider
	stopWatch       context.CancelFunc
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user         *repository.UserRepository
	assignment   *repository.AssignmentRepository
	attempt      *repository.AttemptRepository
	review       *repository.ReviewRepository
	notification *repository.NotificationRepository
}

type services struct {
	storage      *service.StorageService
	notification *service.NotificationService
	attempt      *service.AttemptService
	review       *service.ReviewService
	assignment   *service.AssignmentService
	attemptHub   *service.AttemptHub
}

type controllers struct {
	attempt    *controller.AttemptController
	review     *controller.ReviewController
	assignment *controller.AssignmentController
	health     *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:         repository.NewUserRepository(db),
		assignment:   repository.NewAssignmentRepository(db),
		attempt:      repository.NewAttemptRepository(db),
		review:       repository.NewReviewRepository(db),
		notification: repository.NewNotificationRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}

	// Redis 关闭时退化为单实例内存锁
	var latch service.ExpiryLatch
	if rdb != nil {
		latch = service.NewRedisExpiryLatch(rdb, cfg.Attempt.LatchTTL)
	} else {
		latch = service.NewMemoryExpiryLatch(cfg.Attempt.LatchTTL)
	}

	s.storage = service.NewStorageService(&cfg.Storage)
	s.notification = service.NewNotificationService(repos.user, repos.notification)
	s.attempt = service.NewAttemptService(repos.assignment, repos.attempt, repos.user, s.notification, latch, cfg.Attempt)
	s.review = service.NewReviewService(repos.attempt, repos.assignment, repos.review, repos.user, s.storage)
	s.assignment = service.NewAssignmentService(repos.assignment, repos.user)
	s.attemptHub = service.NewAttemptHub(s.attempt, cfg.CORS.AllowedOrigins)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		attempt:    controller.NewAttemptController(s.attempt, s.review, s.attemptHub),
		review:     controller.NewReviewController(s.review),
		assignment: controller.NewAssignmentController(s.assignment),
		health:     controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 定时收卷：连接已断开的超时作答由这里自动提交
func (a *App) startBackgroundTasks(s *services, cfg *config.Config) {
	c := cron.New()
	_, err := c.AddFunc(cfg.Attempt.SweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.attempt.ExpireOverdue(ctx)
		if err != nil {
			logger.Log.Error("expire overdue attempts error", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Log.Info("overdue attempts auto-submitted", zap.Int("count", n))
		}
	})
	if err != nil {
		logger.Log.Fatal("Invalid attempt sweep spec", zap.String("spec", cfg.Attempt.SweepSpec), zap.Error(err))
	}
	c.Start()
	a.cron = c
}

func (a *App) startConfigWatcher() {
	a.RegisterConfigCallback(func(newCfg *config.Config) {
		a.services.attemptHub.ApplyConfig(newCfg.Attempt)
	})

	ctx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	go func() {
		path := filepath.Join(configDir, "config.yaml")
		err := configwatcher.WatchConfig(ctx, path, func(newCfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(newCfg)
			}
		})
		if err != nil {
			logger.Log.Warn("Config watcher disabled", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database, cfg.ForceMigrate || cfg.Server.Mode != gin.ReleaseMode)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.ServiceName, cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.startBackgroundTasks(services, cfg)
	app.startConfigWatcher()

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	// 写回所有会话中未落库的答案并关闭连接
	if a.services != nil && a.services.attemptHub != nil {
		a.services.attemptHub.Stop()
	}

	// 关闭服务
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	log.Println("Server exiting")
}

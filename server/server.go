package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AuraFM/config"
	"AuraFM/core/export"
	"AuraFM/core/fetch"
	"AuraFM/core/provider"
	"AuraFM/core/resolve"
	"AuraFM/core/store"
	"AuraFM/core/transcode"
	"AuraFM/db"
	"AuraFM/logger"
	"AuraFM/model"
	"AuraFM/repository"
	"AuraFM/storage"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(getLogLevel()),
		OutputPath: "logs/aurafm.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	// 设置服务器超时
	// 写超时必须留空：渐进流式响应会挂很久，由追读超时自己兜底
	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// 注册表数据库（必需）
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("数据库连接失败", logger.ErrorField(err))
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrateModels(&model.Track{}); err != nil {
		logger.Fatal("数据模型迁移失败", logger.ErrorField(err))
	}

	// Redis 热缓存（可降级：未连上时注册表查询直接打数据库）
	if err := db.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 连接失败，注册表热缓存不可用", logger.ErrorField(err))
	} else {
		defer db.CloseRedis()
	}

	// MinIO 云盘转存（可降级：未连上时 /drive-upload 返回 503）
	if err := storage.InitMinio(cfg); err != nil {
		logger.Warn("MinIO 初始化失败，云盘转存不可用", logger.ErrorField(err))
	}

	// 内容缓存
	contentStore, err := store.New(cfg.CacheDir, cfg.CacheMaxBytes)
	if err != nil {
		logger.Fatal("内容缓存初始化失败", logger.ErrorField(err))
	}

	// 音源解析管线：按配置装配，缺凭据的音源不参与
	var providers []provider.Provider
	if cfg.StudioBaseURL != "" && cfg.StudioToken != "" {
		providers = append(providers, provider.NewStudioProvider(cfg.StudioBaseURL, cfg.StudioToken))
	}
	if cfg.WebFMBaseURL != "" {
		providers = append(providers, provider.NewWebFMProvider(cfg.WebFMBaseURL))
	}
	providers = append(providers, provider.NewExtractorProvider(cfg.YTDLPPath))

	pipeline := resolve.NewPipeline(providers, resolve.Options{
		AttemptTimeout: cfg.ProviderTimeout,
		Cooldown:       cfg.ProviderCooldown,
		MaxRetries:     2,
	})

	coord := fetch.New(contentStore, pipeline, cfg.TailWaitTimeout)
	transcoder := transcode.New(coord, cfg.FFmpegPath, cfg.LossyBitrate)
	exporter, err := export.New(transcoder, cfg.ExportDir, cfg.ExportPartSize, cfg.ExportParallel)
	if err != nil {
		logger.Fatal("导出服务初始化失败", logger.ErrorField(err))
	}

	trackRepo := repository.NewTrackRepository()

	apiHandler := NewAPIHandler(trackRepo, coord, transcoder, exporter, cfg)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, X-Audio-Quality, X-Quality-Fallback")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 曲目注册表
	router.HandleFunc("/api/tracks", apiHandler.RegisterTracksHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/tracks/{track_id}", apiHandler.GetTrackHandler).Methods(http.MethodGet)

	// 流媒体与下载
	router.HandleFunc("/stream/{track_id}", apiHandler.StreamHandler).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/download/{track_id}", apiHandler.DownloadHandler).Methods(http.MethodGet)
	router.HandleFunc("/drive-upload", apiHandler.DriveUploadHandler).Methods(http.MethodPost)

	// 批量导出
	router.HandleFunc("/download-batch", apiHandler.BatchDownloadHandler).Methods(http.MethodPost)
	router.HandleFunc("/download-batch/{job_id}", apiHandler.JobStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/download-batch/{job_id}/parts/{n}", apiHandler.JobPartHandler).Methods(http.MethodGet)
	router.HandleFunc("/download-batch/{job_id}/events", apiHandler.ExportEventsHandler).Methods(http.MethodGet)

	httpServer.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("服务器启动",
			logger.String("addr", cfg.ListenAddr),
			logger.Int("providers", len(providers)))

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务器启动失败", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-stop
	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("服务器强制关闭", logger.ErrorField(err))
	}

	logger.Info("服务器已停止")
}

func getLogLevel() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stbmux/work/cache"
	"stbmux/work/client"
	"stbmux/work/config"
	"stbmux/work/epg"
	"stbmux/work/gateway"
	"stbmux/work/handlers"
	"stbmux/work/hls"
	"stbmux/work/jobs"
	"stbmux/work/logger"
	"stbmux/work/middleware"
	"stbmux/work/occupancy"
	"stbmux/work/portal"
	"stbmux/work/probe"
	"stbmux/work/refresh"
	"stbmux/work/session"
	"stbmux/work/store"
)

var (
	Version = "v0.1.0" // default version
)

func main() {
	// write a starter config on first run
	if _, err := os.Stat(config.DefaultPath); os.IsNotExist(err) {
		if err := config.CreateExampleConfig(config.DefaultPath); err == nil {
			logger.Info("Wrote example configuration to %s", config.DefaultPath)
		}
	}

	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	httpClient := client.NewHeaderSettingClient(cfg)
	portalClient := portal.NewStalkerClient(httpClient, cfg.ObfuscateUrls)
	occ := occupancy.NewRegistry()

	cacheTTL := cfg.RefreshInterval
	if cacheTTL <= 0 {
		cacheTTL = 12 * time.Hour
	}
	cacheInstance := cache.NewCache(cacheTTL)

	refresher := refresh.NewRefresher(st, portalClient, cacheInstance)
	combiner := epg.NewCombiner(cfg, st, httpClient, cacheInstance)

	scheduler, err := jobs.NewScheduler(cfg.JobWorkers, cfg.JobMaxRetries, refresher.RefreshPortal, combiner.Refresh)
	if err != nil {
		logger.Error("Failed to create job scheduler: %v", err)
		os.Exit(1)
	}

	// credential rotation goes through the portal's job lock so it never
	// races a concurrent refresh write
	moveMac := func(portalID, mac string) {
		mu := scheduler.PortalLock(portalID)
		mu.Lock()
		defer mu.Unlock()
		if err := st.MoveMac(context.Background(), portalID, mac); err != nil {
			logger.Error("Failed to rotate mac %s on portal %s: %v", mac, portalID, err)
		}
	}

	var probePool *ants.Pool
	if cfg.ParallelMacProbing {
		probePool, err = ants.NewPool(cfg.ParallelMacWorkers, ants.WithPreAlloc(true))
		if err != nil {
			logger.Error("Failed to create probe pool: %v", err)
			os.Exit(1)
		}
		defer probePool.Release()
	}

	probeExec := probe.NewExecutor(portalClient, occ, cfg, probePool, moveMac)
	sessions := session.NewEngine(cfg, st, occ, probeExec, moveMac)

	hlsMux := hls.NewMultiplexer(cfg)
	go hlsMux.Reaper()

	gw := gateway.New(cfg, st, occ, sessions, hlsMux, scheduler, combiner, cacheInstance)
	gw.LogStartup(Version)

	go scheduler.Run()
	scheduler.StartTimers(
		func() time.Duration { return config.LoadConfig().RefreshInterval },
		func() time.Duration { return config.LoadConfig().EpgRefreshInterval },
		gw.EnabledPortalIDs,
	)

	// warm the lineup and guide at startup
	if ids, err := gw.EnabledPortalIDs(context.Background()); err == nil && len(ids) > 0 {
		scheduler.EnqueueRefreshAll(ids, "startup")
	}

	router := mux.NewRouter()

	// playlist and guide
	router.HandleFunc("/playlist.m3u", middleware.GzipMiddleware(handlers.HandlePlaylist(gw))).Methods("GET")
	router.HandleFunc("/playlist/{group}.m3u", middleware.GzipMiddleware(handlers.HandleGroupPlaylist(gw))).Methods("GET")
	router.HandleFunc("/epg.xml", middleware.GzipMiddleware(handlers.HandleGuide(gw))).Methods("GET")

	// HDHomeRun tuner discovery
	router.HandleFunc("/discover.json", handlers.HandleDiscover(gw)).Methods("GET")
	router.HandleFunc("/lineup.json", middleware.GzipMiddleware(handlers.HandleLineup(gw))).Methods("GET")
	router.HandleFunc("/lineup_status.json", handlers.HandleLineupStatus(gw)).Methods("GET")

	// stream delivery
	router.HandleFunc("/play/{portalID}/{channelID}", handlers.HandlePlay(gw)).Methods("GET")
	router.HandleFunc("/hls/{portalID}/{channelID}/{file}", handlers.HandleHlsFile(gw)).Methods("GET")

	// jobs, occupancy and portal config
	router.HandleFunc("/api/refresh", handlers.HandleRefreshAll(gw)).Methods("POST")
	router.HandleFunc("/api/refresh/{portalID}", handlers.HandleRefresh(gw)).Methods("POST")
	router.HandleFunc("/api/refresh/{portalID}/status", handlers.HandleJobStatus(gw)).Methods("GET")
	router.HandleFunc("/api/epg/refresh", handlers.HandleEpgRefresh(gw)).Methods("POST")
	router.HandleFunc("/api/epg/status", handlers.HandleEpgJobStatus(gw)).Methods("GET")
	router.HandleFunc("/api/occupancy", handlers.HandleOccupancy(gw)).Methods("GET")
	router.HandleFunc("/api/portals", handlers.HandleListPortals(gw)).Methods("GET")
	router.HandleFunc("/api/portals", handlers.HandleSavePortal(gw)).Methods("POST")
	router.HandleFunc("/api/portals/{portalID}", handlers.HandleDeletePortal(gw)).Methods("DELETE")

	// metrics
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: router,
	}

	// SIGHUP drops the cached config so timers pick up interval changes
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			logger.Info("SIGHUP received, reloading configuration")
			config.ClearConfigCache()
			config.LoadConfig()
		}
	}()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed: %v", err)
			os.Exit(1)
		}
	}()

	<-stopChan
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown: %v", err)
	}

	scheduler.Stop()
	hlsMux.Shutdown()
	logger.Info("Shutdown complete")
}

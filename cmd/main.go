package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"evse-allocator/internal/charging"
	"evse-allocator/internal/config"
	"evse-allocator/internal/hass"
	"evse-allocator/internal/models"
	"evse-allocator/internal/mqtt"
	"evse-allocator/internal/ocpp"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Infof("Starting EVSE allocator with %d chargers, %s distribution",
		len(cfg.Chargers), cfg.Site.Distribution)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := charging.NewManager(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create charging manager: %v", err)
	}

	mqttClient, err := mqtt.NewClient(cfg, manager.Grid(), logger)
	if err != nil {
		logger.Fatalf("Failed to create MQTT client: %v", err)
	}
	mqttClient.SetController(manager)

	ocppServer := ocpp.NewServer(cfg, manager, logger)

	manager.SetCommandCallback(func(chargerID string, limit float64) {
		if err := ocppServer.SendChargingProfile(chargerID, limit); err != nil {
			logger.Errorf("Failed to send charging profile to %s: %v", chargerID, err)
		}
	})
	manager.SetNotifyCallback(func(n models.Notification) {
		mqttClient.PublishNotification(n)
	})
	manager.SetStatusCallback(func(chargerID, status string) {
		mqttClient.PublishChargerStatus(chargerID, status)
	})
	manager.SetSwitchCallback(func(loadID string, on bool) {
		mqttClient.PublishSwitchCommand(loadID, on)
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ocppServer.Start(ctx); err != nil {
			logger.Errorf("OCPP server error: %v", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Start(ctx)
	}()

	if err := mqttClient.Connect(); err != nil {
		logger.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer mqttClient.Disconnect()

	hass.NewPublisher(cfg, mqttClient, logger).PublishDiscovery(manager.Chargers())

	logger.Info("All services started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	cancel()

	ocppServer.Stop()

	wg.Wait()
	logger.Info("Shutdown complete")
}

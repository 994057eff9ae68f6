package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/prometheus/client_golang/prometheus"

	"mailgate/internal/conf"
	"mailgate/internal/mailstore"
	"mailgate/internal/metrics"
	"mailgate/internal/outbound"
	"mailgate/internal/server"
	"mailgate/internal/userdir"
)

func main() {
	configPath := flag.String("config", "/etc/mailgate/mailgate.yaml", "Path to configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	log.Printf("Starting mail gateway for %s", cfg.Domain)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Fatal("Failed to load AWS configuration: ", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			o.UsePathStyle = cfg.S3.ForcePathStyle
		}
		if cfg.S3.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")
		}
	})

	callTimeout := time.Duration(cfg.Limits.CallSeconds) * time.Second
	directory := userdir.New(dynamodb.NewFromConfig(awsCfg), cfg.UsersTable, callTimeout)
	store := mailstore.New(s3Client, cfg.Bucket, cfg.Limits.HeaderBudgetBytes, callTimeout)
	transport := outbound.New(sesv2.NewFromConfig(awsCfg), callTimeout)

	var collector metrics.Collector = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(registry)
		httpSrv := metrics.NewHTTPServer(cfg.MetricsAddr, registry)
		go func() {
			log.Printf("Metrics listening on %s", cfg.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	gateway := server.New(cfg, directory, store, transport, collector)
	if err := gateway.ListenAndServe(ctx); err != nil {
		log.Fatal("Gateway stopped: ", err)
	}
}

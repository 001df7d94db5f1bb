package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
	"github.com/Bhekie452/EngageHub-sub003/internal/config"
)

// syncRuntime is the wired set of stores and sync components shared by the
// serve and sweep commands.
type syncRuntime struct {
	ledger      actionsync.Ledger
	analytics   actionsync.AnalyticsStore
	credentials actionsync.CredentialStore
	executor    *actionsync.Executor
	sweeper     *actionsync.Sweeper
	handler     *actionsync.ActionHandler
	events      *actionsync.Broadcaster

	closers []io.Closer
}

func buildRuntime(cfg config.Config, logger logrus.FieldLogger) (*syncRuntime, error) {
	dsns, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	rt := &syncRuntime{events: actionsync.NewBroadcaster()}
	fail := func(err error) (*syncRuntime, error) {
		_ = rt.Close()
		return nil, err
	}

	rt.ledger, err = actionsync.BuildLedgerFromDSN(dsns.Ledger, actionsync.LedgerOptions{})
	if err != nil {
		return fail(fmt.Errorf("initialize ledger: %w", err))
	}
	rt.closers = append(rt.closers, rt.ledger)
	rt.analytics, err = actionsync.BuildAnalyticsStoreFromDSN(dsns.Analytics)
	if err != nil {
		return fail(fmt.Errorf("initialize analytics store: %w", err))
	}
	rt.closers = append(rt.closers, rt.analytics)
	rt.credentials, err = actionsync.BuildCredentialStoreFromDSN(dsns.Credentials)
	if err != nil {
		return fail(fmt.Errorf("initialize credential store: %w", err))
	}
	if closer, ok := rt.credentials.(io.Closer); ok {
		rt.closers = append(rt.closers, closer)
	}

	notifiers := []actionsync.Notifier{rt.events}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := actionsync.NewKafkaNotifier(actionsync.KafkaNotifierOptions{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return fail(fmt.Errorf("initialize kafka notifier: %w", err))
		}
		rt.closers = append(rt.closers, kafka)
		notifiers = append(notifiers, kafka)
		logger.WithField("topic", cfg.Kafka.Topic).Info("publishing sync outcomes to kafka")
	}

	httpClient := &http.Client{Timeout: cfg.YouTube.Timeout}
	var refresher actionsync.TokenRefresher
	if cfg.OAuth.ClientID != "" {
		refresher = actionsync.NewGoogleOAuthClient(actionsync.GoogleOAuthClientOptions{
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			HTTPClient:   httpClient,
		})
	} else {
		logger.Warn("no OAuth client configured; expired YouTube tokens will not be refreshed")
	}

	policy := cfg.Policy()
	rt.executor, err = actionsync.NewExecutor(actionsync.ExecutorOptions{
		Ledger:      rt.ledger,
		Credentials: rt.credentials,
		Refresher:   refresher,
		Clients: []actionsync.ActionClient{
			actionsync.NewYouTubeHTTPClient(actionsync.YouTubeHTTPClientOptions{
				BaseURL:    cfg.YouTube.BaseURL,
				HTTPClient: httpClient,
				UserAgent:  cfg.YouTube.UserAgent,
				MaxRetries: cfg.YouTube.MaxRetries,
			}),
		},
		Notifier: actionsync.MultiNotifier(notifiers...),
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}
	rt.sweeper, err = actionsync.NewSweeper(actionsync.SweeperOptions{
		Ledger:   rt.ledger,
		Executor: rt.executor,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}
	rt.handler, err = actionsync.NewActionHandler(actionsync.ActionHandlerOptions{
		Analytics: rt.analytics,
		Ledger:    rt.ledger,
		Executor:  rt.executor,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

// applyConfig pushes reloadable settings into the running components.
func (rt *syncRuntime) applyConfig(cfg config.Config, logger *logrus.Logger) {
	rt.sweeper.SetPolicy(cfg.Policy())
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
}

func (rt *syncRuntime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/ackchan"
	"github.com/margo/index-notifier/poc/notifier/database"
	"github.com/margo/index-notifier/poc/notifier/dispatcher"
	"github.com/margo/index-notifier/poc/notifier/extractor"
	"github.com/margo/index-notifier/poc/notifier/metrics"
	"github.com/margo/index-notifier/poc/notifier/sender"
	"github.com/margo/index-notifier/poc/notifier/synchronizer"
	"github.com/margo/index-notifier/poc/notifier/telegram"
	"github.com/margo/index-notifier/poc/notifier/types"
	"github.com/margo/index-notifier/shared-lib/git"
	"github.com/margo/index-notifier/shared-lib/pointers"
)

// 1. Index synchronization (fetch, walk commits, extract events, advance after ack)
// 2. Event dispatch (broadcast and per-subscriber fan-out)
// 3. Optional metrics endpoint
type Notifier struct {
	log          *zap.SugaredLogger
	config       types.Config
	database     database.DatabaseIfc
	index        *git.Client
	bot          *telegram.Client
	channel      *ackchan.Channel
	synchronizer *synchronizer.Synchronizer
	dispatcher   *dispatcher.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNotifier(cfg *types.Config, log *zap.SugaredLogger) (*Notifier, error) {
	banned, err := cfg.BannedPackages()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	gitOpts := []git.Option{git.WithWorktreeCheckout(cfg.Index.CheckoutWorktree)}
	if cfg.Index.Auth != nil {
		pem, err := cfg.Index.Auth.LoadPEMFiles()
		if err != nil {
			db.Close()
			return nil, err
		}
		gitOpts = append(gitOpts, git.WithAuth(&git.Auth{
			Username:   cfg.Index.Auth.Username,
			Token:      cfg.Index.Auth.Token,
			CABundle:   pem.CABundle,
			ClientCert: pem.ClientCert,
			ClientKey:  pem.ClientKey,
		}))
	}
	index, err := git.NewClient(cfg.Index.URL, cfg.Index.Branch, cfg.Index.Path, gitOpts...)
	if err != nil {
		db.Close()
		return nil, types.IndexError(types.OperationOpeningIndex, err)
	}

	bot := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.Timeout)
	rateLimitedSender := sender.NewSender(bot, sender.Config{
		Attempts:      cfg.Delivery.RetryAttempts,
		RetryDelay:    cfg.Delivery.RetryDelay,
		RatePerSecond: cfg.Delivery.RatePerSecond,
		Burst:         cfg.Delivery.Burst,
	}, log)

	var broadcast *types.ChatID
	if cfg.Broadcast.ChatID != nil {
		broadcast = pointers.Ptr(types.ChatID(*cfg.Broadcast.ChatID))
	}

	channel := ackchan.New(cfg.Delivery.QueueCapacity)
	syncer := synchronizer.NewSynchronizer(
		index,
		extractor.NewExtractor(cfg.Index.AutomationAuthor, log),
		channel,
		cfg.Index.PullDelay,
		log,
	)
	dispatch := dispatcher.NewDispatcher(rateLimitedSender, db, dispatcher.Config{
		Broadcast:            broadcast,
		Banned:               banned,
		InterSubscriberDelay: cfg.Delivery.InterSubscriberDelay,
		Links:                cfg.Links,
	}, log)

	return &Notifier{
		log:          log,
		config:       *cfg,
		database:     db,
		index:        index,
		bot:          bot,
		channel:      channel,
		synchronizer: syncer,
		dispatcher:   dispatch,
	}, nil
}

// Start verifies the bot token, opens (or clones) the index and launches the pipeline.
// ctx bounds the start-up work only; Stop ends the pipeline.
func (n *Notifier) Start(ctx context.Context) error {
	n.log.Info("Starting Notifier")

	me, err := n.bot.GetMe(ctx)
	if err != nil {
		return types.NewNotifierError(types.ComponentTransport, types.OperationSendingMessage,
			fmt.Errorf("failed to verify bot token: %w", err), false)
	}

	n.log.Infow("Opening index", "url", n.config.Index.URL, "path", n.index.Path(), "branch", n.config.Index.Branch)
	cloned, err := n.index.Open(ctx, nil)
	if err != nil {
		return types.IndexError(types.OperationOpeningIndex, err)
	}
	if cloned {
		n.log.Infow("Index cloned, notifications start from the current tip", "path", n.index.Path())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		if err := n.synchronizer.Run(runCtx); err != nil {
			n.log.Errorw("Synchronizer stopped with error", "error", err)
		}
	}()
	go func() {
		defer n.wg.Done()
		if err := n.dispatcher.Run(runCtx, n.channel.Receive()); err != nil {
			n.log.Errorw("Dispatcher stopped with error", "error", err)
		}
	}()

	if addr := n.config.Metrics.ListenAddress; addr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := metrics.Serve(runCtx, addr, n.log); err != nil {
				n.log.Errorw("Metrics server failed", "address", addr, "error", err)
			}
		}()
	}

	hasBroadcast := n.config.Broadcast.ChatID != nil
	n.log.Infow("Notifier started successfully",
		"bot", me.Username,
		"pullDelay", n.config.Index.PullDelay,
		"hasBroadcast", hasBroadcast,
		"databaseDriver", n.config.Database.Driver,
		"queueCapacity", n.config.Delivery.QueueCapacity,
	)
	return nil
}

// Stop cancels the pipeline and waits until the synchronizer returned and the dispatcher
// drained. An in-flight dispatch is allowed to finish.
func (n *Notifier) Stop() error {
	n.log.Info("Stopping Notifier")

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.database.Close(); err != nil {
		n.log.Errorw("Failed to close database", "error", err)
		return err
	}

	n.log.Info("Notifier stopped")
	return nil
}

// TriggerSync starts the next synchronization cycle without waiting for the pull delay.
func (n *Notifier) TriggerSync() {
	n.synchronizer.TriggerSync()
}

// Command send-now delivers one message to a group and exits. It reuses the
// paired session of the API server, so the API must not be running against
// the same credential store at the same time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"

	"wasched/internal/attachments"
	"wasched/internal/config"
	"wasched/internal/dispatch"
	"wasched/internal/domain"
	"wasched/internal/events"
	"wasched/internal/logging"
	"wasched/internal/providers/whatsapp"
	"wasched/internal/session"
	"wasched/internal/store/pg"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		group   = flag.String("group", "", "group name (required)")
		message = flag.String("message", "", "message text")
		images  stringList
	)
	flag.Var(&images, "image", "image file to attach; repeatable")
	flag.Parse()

	if strings.TrimSpace(*group) == "" || (strings.TrimSpace(*message) == "" && len(images) == 0) {
		fmt.Fprintln(os.Stderr, "usage: send-now -group NAME [-message TEXT] [-image FILE ...]")
		os.Exit(2)
	}

	cfg := config.LoadSendNow()
	log := logging.Init("send-now", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var factory *whatsapp.Factory
	var err error
	switch cfg.Session.Dialect {
	case "postgres":
		dsn := cfg.DBDSN
		if dsn == "" {
			dsn = cfg.Session.DSN
		}
		pool, perr := pg.NewPool(ctx, dsn, pg.PoolOptions{MaxConns: 2})
		if perr != nil {
			log.Error("send-now session db connect failed", "err", perr)
			os.Exit(1)
		}
		defer pool.Close()
		factory, err = whatsapp.NewFactoryWithDB(ctx, pg.SQLDB(pool), "postgres", log, cfg.Session.LogLevel)
	default:
		factory, err = whatsapp.NewSQLiteFactory(ctx, cfg.Session.DSN, log, cfg.Session.LogLevel)
	}
	if err != nil {
		log.Error("send-now session store init failed", "err", err)
		os.Exit(1)
	}
	defer factory.Close()

	manager := session.NewManager(factory, session.Options{
		MaxAttempts:    cfg.Session.MaxInitAttempts,
		RetryDelay:     cfg.Session.RetryDelay,
		AuthRetryDelay: cfg.Session.AuthRetryDelay,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		Logger:         log,
	})
	defer manager.Close()

	if err := manager.Connect(ctx); err != nil {
		log.Error("send-now connect failed", "err", err)
		os.Exit(1)
	}
	if err := waitReady(ctx, manager, cfg.ReadyWait); err != nil {
		log.Error("send-now session not ready", "err", err, "status", manager.Status().State)
		os.Exit(1)
	}

	uploadDir, err := os.MkdirTemp("", "send-now-")
	if err != nil {
		log.Error("send-now temp dir failed", "err", err)
		os.Exit(1)
	}
	defer os.RemoveAll(uploadDir)

	uploads := make([]attachments.Upload, 0, len(images))
	for _, path := range images {
		up, err := attachments.StageFile(uploadDir, path)
		if err != nil {
			log.Error("send-now read image failed", "err", err, "path", path)
			os.Exit(1)
		}
		uploads = append(uploads, up)
	}

	processor := &dispatch.Processor{
		Sessions: manager,
		Events:   events.Noop{},
		Limiter:  rate.NewLimiter(rate.Every(time.Second), len(uploads)+1),
		Breaker:  dispatch.NewBreaker("whatsapp", 3, 30*time.Second),
		Log:      log,
	}
	res, err := processor.SendNow(ctx, domain.SendRequest{GroupName: *group, Message: *message}, uploads)
	if err != nil {
		log.Error("send-now failed", "err", err, "group_name", *group)
		os.Exit(1)
	}
	fmt.Printf("sent to %q at %s with %d image(s)\n", res.GroupName, res.SentAt.Format(time.RFC3339), res.ImageCount)
}

// waitReady polls until the session is ready, printing a pairing code to the
// terminal whenever a new one is issued.
func waitReady(ctx context.Context, m *session.Manager, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var shown string
	for {
		if m.Ready() {
			return nil
		}
		if challenge, ok := m.Challenge(); ok && challenge != shown {
			shown = challenge
			printQR(challenge)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("not ready after %s", wait)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printQR(challenge string) {
	q, err := qrcode.New(challenge, qrcode.Medium)
	if err != nil {
		fmt.Fprintln(os.Stderr, challenge)
		return
	}
	fmt.Fprintln(os.Stderr, "Scan with WhatsApp > Linked devices:")
	fmt.Fprintln(os.Stderr, q.ToSmallString(false))
}

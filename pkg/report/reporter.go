package report

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mhe/radgate/pkg/client"
	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/mail"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/token"
)

// Queryer reads one user's events for one reporting date.
type Queryer interface {
	UTMLogsByUserAndDate(ctx context.Context, login, date string) ([][]string, error)
}

// DirectoryLister enumerates report recipients.
type DirectoryLister interface {
	List(ctx context.Context) ([]client.DirectoryUser, error)
}

// Config wires the daily reporter.
type Config struct {
	Directory DirectoryLister
	Analytics Queryer
	Sender    mail.Sender

	// Secret signs report links.
	Secret string

	// LinkHost and LinkPort build the report URL subscribers receive.
	LinkHost string
	LinkPort int

	// SendTime is the local HH:MM daily trigger, 08:00 by default.
	SendTime string

	// Workers bounds the per-user fan-out.
	Workers int
}

// Reporter runs the daily report cycle: list recipients, query each user's
// yesterday window in parallel, mail either a signed report link or a
// no-events notice.
type Reporter struct {
	cfg Config
}

// NewReporter builds a reporter with defaults filled in.
func NewReporter(cfg Config) *Reporter {
	if cfg.SendTime == "" {
		cfg.SendTime = "08:00"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Reporter{cfg: cfg}
}

// Run fires one report cycle immediately, then one at every daily trigger,
// until ctx is cancelled. A failed cycle backs off 60 s and the loop keeps
// going.
func (r *Reporter) Run(ctx context.Context) error {
	if _, _, err := r.RunOnce(ctx); err != nil {
		log.WithComponent("report").Error().Err(err).Msg("startup report run failed")
	}

	for {
		next := nextRun(time.Now(), r.cfg.SendTime)
		log.WithComponent("report").Info().Time("next", next).Msg("next report run scheduled")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		if _, _, err := r.RunOnce(ctx); err != nil {
			log.WithComponent("report").Error().Err(err).Msg("report run failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(60 * time.Second):
			}
		}
	}
}

// RunOnce sends yesterday's reports to every directory user and returns how
// many users were processed and how many emails went out.
func (r *Reporter) RunOnce(ctx context.Context) (processed, sent int, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReportRunDuration)

	date := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	users, err := r.cfg.Directory.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing report recipients: %w", err)
	}

	results := make([]bool, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for idx, user := range users {
		idx, user := idx, user
		g.Go(func() error {
			results[idx] = r.processUser(gctx, user, date)
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if ok {
			sent++
		}
	}
	log.WithComponent("report").Info().
		Str("date", date).Int("processed", len(users)).Int("sent", sent).Msg("report run finished")
	return len(users), sent, nil
}

// processUser queries one user's window and mails the result. Returns true
// when an email went out.
func (r *Reporter) processUser(ctx context.Context, user client.DirectoryUser, date string) bool {
	if user.Login == "" || len(user.Emails) == 0 {
		return false
	}

	rows, err := r.cfg.Analytics.UTMLogsByUserAndDate(ctx, user.Login, date)
	if err != nil {
		log.WithUser(user.Login).Error().Err(err).Msg("report query failed")
		metrics.ReportEmailsTotal.WithLabelValues("report", "failed").Inc()
		return false
	}

	var subject, body, kind string
	if len(rows) == 0 {
		kind = "empty"
		subject = fmt.Sprintf("[UTM] Нет событий безопасности за %s", date)
		body = fmt.Sprintf("События безопасности для абонента %s за %s отсутствуют.", user.Login, date)
	} else {
		kind = "report"
		tok, err := token.Sign(token.Payload{Login: user.Login, Date: date}, []byte(r.cfg.Secret))
		if err != nil {
			log.WithUser(user.Login).Error().Err(err).Msg("report token signing failed")
			metrics.ReportEmailsTotal.WithLabelValues(kind, "failed").Inc()
			return false
		}
		url := fmt.Sprintf("http://%s:%d/report?token=%s", r.cfg.LinkHost, r.cfg.LinkPort, tok)
		subject = fmt.Sprintf("[UTM] Отчёт о событиях безопасности за %s", date)
		body = fmt.Sprintf("Отчёт о событиях безопасности для абонента %s за %s: %s", user.Login, date, url)
	}

	if err := r.cfg.Sender.Send(user.Emails, subject, body); err != nil {
		log.WithUser(user.Login).Error().Err(err).Msg("report email failed")
		metrics.ReportEmailsTotal.WithLabelValues(kind, "failed").Inc()
		return false
	}
	metrics.ReportEmailsTotal.WithLabelValues(kind, "sent").Inc()
	return true
}

// nextRun returns the next local occurrence of the HH:MM trigger strictly
// after now.
func nextRun(now time.Time, sendTime string) time.Time {
	at, err := time.Parse("15:04", sendTime)
	if err != nil {
		at, _ = time.Parse("15:04", "08:00")
	}
	run := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !run.After(now) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}

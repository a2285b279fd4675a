// Package sweep runs the scheduled stalled-application scan. An
// application that has sat in a review stage past its configured age
// gets a stage.stalled event, which webhooks can turn into reminders.
package sweep

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"stageline/internal/config"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/stage"
)

const systemActor = "system:sweep"

type Sweeper struct {
	Engine engine.Engine
	cron   *cron.Cron
}

// Start schedules the sweep per the org config. Returns nil when no
// sweep is configured.
func Start(e engine.Engine) (*Sweeper, error) {
	if e.Config == nil || e.Config.Sweep.Schedule == "" || len(e.Config.Sweep.StalledAfterDays) == 0 {
		return nil, nil
	}
	s := &Sweeper{
		Engine: e,
		cron:   cron.New(),
	}
	_, err := s.cron.AddFunc(e.Config.Sweep.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.Run(ctx); err != nil {
			log.Printf("sweep: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.cron.Start()
	return s, nil
}

func (s *Sweeper) Stop() {
	if s != nil && s.cron != nil {
		s.cron.Stop()
	}
}

// Run scans every configured stage once. It is also invoked directly by
// the CLI for an on-demand sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	cfg := s.Engine.Config
	now := time.Now()
	if s.Engine.Now != nil {
		now = s.Engine.Now()
	}
	for stageName, days := range cfg.Sweep.StalledAfterDays {
		if !stage.Parse(stageName).Known() {
			log.Printf("sweep: skipping unknown stage %q in sweep config", stageName)
			continue
		}
		if days <= 0 {
			continue
		}
		cutoff := now.UTC().AddDate(0, 0, -days).Format(time.RFC3339)
		if err := s.sweepStage(ctx, stageName, cutoff, days); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepStage(ctx context.Context, stageName, cutoff string, days int) error {
	apps, err := s.Engine.Repo.ListStalledApplications(ctx, cfgOrgID(s.Engine.Config), stageName, cutoff)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := s.emitStalled(ctx, app.OrgID, app.ID, stageName, days); err != nil {
			log.Printf("sweep: event for application %s not recorded: %v", app.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) emitStalled(ctx context.Context, orgID, applicationID, stageName string, days int) error {
	tx, err := s.Engine.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = s.Engine.Events.Append(ctx, tx, "stage.stalled", orgID, "application", applicationID, systemActor,
		events.EventPayload{"stage": stageName, "stalled_after_days": days})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func cfgOrgID(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Org.ID
}

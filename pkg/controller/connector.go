package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
	"codeberg.org/dirbridge/dirbridge/pkg/directory"
	"codeberg.org/dirbridge/dirbridge/pkg/engine"
	"codeberg.org/dirbridge/dirbridge/pkg/mapping"
	"codeberg.org/dirbridge/dirbridge/pkg/mapping/script"
	"codeberg.org/dirbridge/dirbridge/pkg/state"
)

// Connector wires both sync directions together and drives the poll
// loop. Each direction owns its cursor, reject queue and identity map;
// the membership cache is shared because it tracks both sides.
type Connector struct {
	cfg        *config.Config
	remote     *directory.LDAPClient
	local      *directory.LDAPClient
	directions []*syncDirection
	logger     *zap.Logger
}

type syncDirection struct {
	name   string
	store  state.Store
	cursor *engine.Cursor
	poller *engine.Poller
	engine *engine.Engine
	resync *engine.Resync
	logger *zap.Logger

	pollFailures int
	failureLimit int
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Connector, error) {
	rules, err := loadRules(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var scripts *script.Engine
	if rules.Scripts != "" {
		scripts, err = script.Load(rules.Scripts)
		if err != nil {
			return nil, fmt.Errorf("failed to load scripts: %w", err)
		}
	}

	classifier, err := mapping.NewClassifier(rules)
	if err != nil {
		return nil, err
	}
	mapper := mapping.NewMapper(rules, scripts)

	c := &Connector{
		cfg:    cfg,
		remote: directory.NewLDAPClient(cfg.Remote, logger),
		local:  directory.NewLDAPClient(cfg.Local, logger),
		logger: logger,
	}

	if err := c.remote.Connect(ctx); err != nil {
		return nil, fmt.Errorf("remote directory: %w", err)
	}
	if err := c.local.Connect(ctx); err != nil {
		c.remote.Close()
		return nil, fmt.Errorf("local directory: %w", err)
	}

	members := engine.NewMembershipCache()

	if cfg.Connector.Inbound {
		d, err := c.newDirection(ctx, mapping.RemoteToLocal, "inbound",
			c.remote, cfg.Remote, c.local, classifier, mapper, members)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.directions = append(c.directions, d)
	}
	if cfg.Connector.Outbound {
		d, err := c.newDirection(ctx, mapping.LocalToRemote, "outbound",
			c.local, cfg.Local, c.remote, classifier, mapper, members)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.directions = append(c.directions, d)
	}

	return c, nil
}

func loadRules(ctx context.Context, cfg *config.Config) (*mapping.Ruleset, error) {
	path := cfg.Rules.Path
	if cfg.Rules.Git != nil {
		fetched, err := mapping.FetchRuleset(ctx, cfg.Rules.Git)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ruleset: %w", err)
		}
		path = fetched
	}
	return mapping.LoadRuleset(path)
}

func (c *Connector) newDirection(
	ctx context.Context,
	dir mapping.Direction,
	name string,
	source *directory.LDAPClient,
	sourceCfg config.DirectoryConfig,
	target *directory.LDAPClient,
	classifier *mapping.Classifier,
	mapper *mapping.Mapper,
	members *engine.MembershipCache,
) (*syncDirection, error) {
	log := c.logger.With(zap.String("direction", name))

	store, err := state.Open(ctx, c.cfg.Connector.Name+"/"+name, c.cfg.State, log)
	if err != nil {
		return nil, fmt.Errorf("%s state: %w", name, err)
	}

	cursor, err := engine.NewCursor(ctx, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	dns := engine.NewDNCache()
	raws := engine.NewRawCache()

	eng := engine.NewEngine(dir, target, classifier, mapper, store,
		dns, raws, members, c.cfg.Connector, log)
	eng.SetReconciler(engine.NewReconciler(dir, source, target, store,
		dns, members, c.cfg.Connector.DryRun, log))

	poller := engine.NewPoller(source, sourceCfg, cursor, dns, log)

	return &syncDirection{
		name:         name,
		store:        store,
		cursor:       cursor,
		poller:       poller,
		engine:       eng,
		resync:       engine.NewResync(eng, poller, store, log),
		logger:       log,
		failureLimit: c.cfg.Connector.RetryLimit,
	}, nil
}

// ResyncOnce drains the reject queues of every enabled direction and
// returns, for one-shot operator runs.
func (c *Connector) ResyncOnce(ctx context.Context) error {
	for _, d := range c.directions {
		if err := d.resync.Run(ctx); err != nil {
			return fmt.Errorf("%s resync: %w", d.name, err)
		}
	}
	return nil
}

// Run blocks until the context is canceled or a fatal error forces the
// process to exit for an external restart.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.ResyncOnce(ctx); err != nil {
		return err
	}

	poll := time.NewTicker(c.cfg.Connector.PollInterval)
	defer poll.Stop()

	var resyncCh <-chan time.Time
	if c.cfg.Connector.ResyncInterval > 0 {
		resync := time.NewTicker(c.cfg.Connector.ResyncInterval)
		defer resync.Stop()
		resyncCh = resync.C
	}

	c.logger.Info("Connector running",
		zap.String("name", c.cfg.Connector.Name),
		zap.Int("directions", len(c.directions)),
		zap.Bool("dryRun", c.cfg.Connector.DryRun))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutting down")
			return nil

		case <-resyncCh:
			if err := c.ResyncOnce(ctx); err != nil {
				return err
			}

		case <-poll.C:
			for _, d := range c.directions {
				if err := d.cycle(ctx); err != nil {
					return fmt.Errorf("%s: %w", d.name, err)
				}
			}
		}
	}
}

// cycle runs one poll-and-apply pass. The cursor advances past every
// finished record, whatever its disposition, and commits once at the
// end; rejected changes stay reachable through the reject queue.
func (d *syncDirection) cycle(ctx context.Context) error {
	records, err := d.poller.Poll(ctx, true)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		d.pollFailures++
		if d.pollFailures > d.failureLimit {
			return fmt.Errorf("polling failed %d times in a row: %w", d.pollFailures, err)
		}
		d.logger.Warn("Poll failed, will retry next cycle", zap.Error(err))
		return nil
	}
	d.pollFailures = 0

	for i := range records {
		result, err := d.engine.SyncRecord(ctx, &records[i])
		if err != nil {
			return err
		}
		d.cursor.Advance(records[i].USN)
		if result == engine.ResultDropped {
			d.logger.Warn("Change dropped",
				zap.String("dn", records[i].DN),
				zap.Uint64("usn", records[i].USN))
		}
	}

	if err := d.cursor.Commit(ctx); err != nil {
		// Retried with the same watermark on the next cycle.
		d.logger.Warn("Cursor commit failed", zap.Error(err))
	}
	return nil
}

func (c *Connector) Close() {
	for _, d := range c.directions {
		if err := d.store.Close(); err != nil {
			c.logger.Warn("Failed to close state store",
				zap.String("direction", d.name),
				zap.Error(err))
		}
	}
	if c.local != nil {
		c.local.Close()
	}
	if c.remote != nil {
		c.remote.Close()
	}
}

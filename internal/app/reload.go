package app

import (
	"context"
	"strings"
	"time"

	"legendalf/internal/config"
	logx "legendalf/pkg/logx"
)

// reloadLoop applies committed configs to the running components.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if a.admin != nil {
		a.admin.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	prevEngEnabled := a.engine.Enabled()
	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		// Apply starts or stops the pool itself.
		a.engine.Apply(ctx, engCfg)
		if prevEngEnabled != engCfg.Enabled {
			a.log.Info("task engine toggled via config", logx.Bool("enabled", engCfg.Enabled))
		}
	}

	if a.sched != nil {
		prev := a.sched.Enabled()
		schedCfg, grace, err := mapSchedulerConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.grace.Store(int64(grace))
			a.sched.Apply(schedCfg)
			switch {
			case prev && !schedCfg.Enabled:
				a.log.Info("scheduler disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			case !prev && schedCfg.Enabled:
				a.log.Info("scheduler enabled via config")
				a.sched.Start(ctx)
			}
		}
	}

	a.disp.SetRate(mapDispatcherRate(newCfg))
	a.disp.SetRetries(newCfg.Scheduler.DispatchRetries)

	prevNotif := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

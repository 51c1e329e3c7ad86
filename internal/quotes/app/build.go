package app

import (
	"fmt"

	qconfig "klinefeed.com/internal/quotes/config"
	"klinefeed.com/internal/quotes/fanout"
	"klinefeed.com/internal/quotes/gapheal"
	"klinefeed.com/internal/quotes/model"
	"klinefeed.com/internal/quotes/session"
	"klinefeed.com/internal/quotes/stream"
	"klinefeed.com/internal/quotes/venue"
	"klinefeed.com/internal/quotes/venue/binance"
	"klinefeed.com/internal/quotes/venue/fyers"
	"klinefeed.com/internal/quotes/venue/ibkr"
	"klinefeed.com/pkg/ratelimit"
)

func newAdapter(name string, vc qconfig.VenueConfig, breakers *ratelimit.Manager) (venue.Adapter, error) {
	switch name {
	case binance.Name:
		return binance.New(binance.Config{
			APIKey:         vc.APIKey,
			SecretKey:      vc.SecretKey,
			BaseURL:        vc.BaseURL,
			WSURL:          vc.WSURL,
			Interval:       vc.Interval,
			RPS:            vc.RPS,
			Burst:          vc.Burst,
			KeepAlive:      vc.KeepAlive,
			KeepAliveFails: vc.KeepAliveFails,
			Breakers:       breakers,
		}), nil
	case fyers.Name:
		return fyers.New(fyers.Config{
			BaseURL:        vc.BaseURL,
			ClientID:       vc.ClientID,
			AccessToken:    vc.AccessToken,
			Interval:       vc.Interval,
			ChunkPause:     vc.ChunkPause,
			PollEvery:      vc.PollEvery,
			RPS:            vc.RPS,
			Burst:          vc.Burst,
			KeepAlive:      vc.KeepAlive,
			KeepAliveFails: vc.KeepAliveFails,
			Breakers:       breakers,
		}), nil
	case ibkr.Name:
		return ibkr.New(ibkr.Config{
			BaseURL:        vc.BaseURL,
			Insecure:       vc.Insecure,
			Interval:       vc.Interval,
			PollEvery:      vc.PollEvery,
			RPS:            vc.RPS,
			Burst:          vc.Burst,
			KeepAlive:      vc.KeepAlive,
			KeepAliveFails: vc.KeepAliveFails,
			Breakers:       breakers,
		}), nil
	}
	return nil, fmt.Errorf("venue %q is not supported", name)
}

func fanoutConfig(cfg qconfig.Config) fanout.Config {
	return fanout.Config{
		Every:          cfg.Session.FanoutEvery,
		SendTimeout:    cfg.Session.SendTimeout,
		HeartbeatEvery: cfg.Session.HeartbeatEvery,
	}
}

// build 会话启动时取一次配置快照，之后的热更新只影响新会话
func (a *App) build(name string) (session.Deps, session.Config, error) {
	cfg := a.cfg.Get()
	vc, ok := cfg.Venue(name)
	if !ok {
		return session.Deps{}, session.Config{}, session.ErrUnknownVenue
	}
	ad, ok := a.registry.Get(name)
	if !ok {
		return session.Deps{}, session.Config{}, session.ErrUnknownVenue
	}
	st, ok := a.stores[name]
	if !ok {
		return session.Deps{}, session.Config{}, session.ErrUnknownVenue
	}

	backoff := stream.DefaultBackoff
	if cfg.Retry.Base > 0 {
		backoff.Base = cfg.Retry.Base
	}
	if cfg.Retry.Factor > 0 {
		backoff.Factor = cfg.Retry.Factor
	}
	if cfg.Retry.Attempts > 0 {
		backoff.Attempts = cfg.Retry.Attempts
	}

	deps := session.Deps{Adapter: ad, Store: st, Publisher: a.gateway}
	scfg := session.Config{
		Symbols:      normalizeSymbols(vc.Symbols),
		Fanout:       fanoutConfig(cfg),
		Gap:          gapheal.Config{Every: vc.GapEvery, Lookback: vc.Lookback, MaxChunk: vc.MaxChunk},
		Backoff:      backoff,
		DrainTimeout: cfg.Session.DrainTimeout,
		WriterQueue:  cfg.Session.WriterQueue,
		Hours:        gapheal.Calendar(vc.Calendar),
	}
	return deps, scfg, nil
}

// normalizeSymbols 统一成裸 symbol 并去重，顺序不变
func normalizeSymbols(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		n := model.NormalizeSymbol(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

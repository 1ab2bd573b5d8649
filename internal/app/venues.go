package app

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpengine/internal/config"
	"github.com/alanyoungcy/perpengine/internal/crypto"
	"github.com/alanyoungcy/perpengine/internal/domain"
	"github.com/alanyoungcy/perpengine/internal/metrics"
	"github.com/alanyoungcy/perpengine/internal/platform/relay"
	"github.com/alanyoungcy/perpengine/internal/retry"
	"github.com/alanyoungcy/perpengine/internal/venue"
)

// venueBackoff spaces retried venue calls.
var venueBackoff = retry.Backoff{Base: 250 * time.Millisecond, Max: 2 * time.Second}

// profileFor turns a venue config into trading terms. A zero fee falls back
// to the engine trading fee and a zero leverage cap to the engine bound.
func profileFor(name string, v config.VenueConfig, e config.EngineConfig) venue.Profile {
	fee := decimal.NewFromFloat(v.Fee)
	if v.Fee == 0 {
		fee = decimal.NewFromFloat(e.TradingFee)
	}
	maxLev := v.MaxLeverage
	if maxLev == 0 || maxLev > e.MaxLeverage {
		maxLev = e.MaxLeverage
	}
	return venue.Profile{Name: domain.VenueName(name), Fee: fee, MaxLeverage: maxLev}
}

// buildRouter registers the paper pool and every configured external venue.
// Disabled venues and venues without a relay URL are registered as
// unavailable so orders routed to them fall back to a flagged simulated fill.
func buildRouter(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*venue.Router, error) {
	internal := profileFor(config.VenuePaper, cfg.Venues[config.VenuePaper], cfg.Engine)
	reg := venue.NewRegistry(internal, venue.NewPaper(internal.Name))

	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		if name != config.VenuePaper {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var walletKey string
	routerCfg := venue.RouterConfig{
		Default: domain.VenueName(cfg.Engine.DefaultVenue),
		Backoff: venueBackoff,
	}

	for _, name := range names {
		v := cfg.Venues[name]
		profile := profileFor(name, v, cfg.Engine)
		if !v.Enabled {
			if err := reg.Register(profile, venue.Unavailable{Venue: profile.Name, Reason: "venue disabled"}); err != nil {
				return nil, err
			}
			logger.Info("venue disabled", slog.String("venue", name))
			continue
		}
		if v.Timeout.Duration > routerCfg.Timeout {
			routerCfg.Timeout = v.Timeout.Duration
		}
		if v.MaxRetries > routerCfg.MaxRetries {
			routerCfg.MaxRetries = v.MaxRetries
		}

		if v.BaseURL == "" {
			if err := reg.Register(profile, venue.Unavailable{Venue: profile.Name, Reason: "no relay configured"}); err != nil {
				return nil, err
			}
			logger.Info("venue registered without relay, opens will use simulated fills",
				slog.String("venue", name))
			continue
		}

		if walletKey == "" {
			key, err := crypto.LoadKey(crypto.KeyConfig{
				RawPrivateKey:    cfg.Wallet.PrivateKey,
				EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
				KeyPassword:      cfg.Wallet.KeyPassword,
			})
			if err != nil {
				return nil, fmt.Errorf("venue %s: wallet: %w", name, err)
			}
			walletKey = key
		}
		signer, err := crypto.NewSigner(walletKey, crypto.Domain{
			Name:              v.DomainName,
			ChainID:           v.ChainID,
			VerifyingContract: v.VerifyingContract,
		})
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}

		var auth *crypto.HMACAuth
		if v.APIKey != "" {
			auth = &crypto.HMACAuth{Key: v.APIKey, Secret: v.APISecret}
		}
		exec := relay.NewExecutor(relay.Config{
			Venue:   profile.Name,
			BaseURL: v.BaseURL,
			Timeout: v.Timeout.Duration,
		}, signer, auth)
		if err := reg.Register(profile, exec); err != nil {
			return nil, err
		}
		logger.Info("venue registered",
			slog.String("venue", name),
			slog.String("relay", v.BaseURL),
			slog.String("account", signer.Address().Hex()),
			slog.String("fee", profile.Fee.String()),
			slog.Int("max_leverage", profile.MaxLeverage),
		)
	}

	return venue.NewRouter(reg, routerCfg, m, logger), nil
}

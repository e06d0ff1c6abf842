// discovery.go polls the Gamma API for tradable binary markets.
//
// Candidates are filtered to active, order-book-enabled binaries ending
// inside the configured horizon, then pushed to the engine as
// MarketDescriptors. The engine deduplicates against already-tracked
// slugs, so discovery can re-announce the same market every poll.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/gateway"
	"polymarket-hedger/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Outcomes        string  `json:"outcomes"`      // JSON array in a string
	ClobTokenIds    string  `json:"clobTokenIds"`  // JSON array in a string
	NegRisk         bool    `json:"negRisk"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
}

// sportPrefixes maps slug prefixes to the sport key used for threshold
// lookup. Unmatched slugs get "" (crypto binaries and one-offs).
var sportPrefixes = map[string]string{
	"nba": "nba", "wnba": "wnba", "mlb": "mlb", "nhl": "nhl",
	"nfl": "nfl", "cfb": "cfb", "epl": "epl", "ucl": "ucl",
}

// Discovery polls gamma and emits market descriptors.
type Discovery struct {
	http   *resty.Client
	gw     *gateway.Gateway
	cfg    config.DiscoveryConfig
	logger *slog.Logger

	resultCh chan []types.MarketDescriptor
}

// NewDiscovery creates the poller.
func NewDiscovery(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) *Discovery {
	httpClient := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		http:     httpClient,
		gw:       gw,
		cfg:      cfg.Discovery,
		logger:   logger.With("component", "discovery"),
		resultCh: make(chan []types.MarketDescriptor, 1),
	}
}

// Results returns the channel the engine reads descriptors from.
func (d *Discovery) Results() <-chan []types.MarketDescriptor {
	return d.resultCh
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (d *Discovery) Run(ctx context.Context) {
	d.poll(ctx)

	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Discovery) poll(ctx context.Context) {
	markets, err := d.fetchMarkets(ctx)
	if err != nil {
		d.logger.Error("discovery poll failed", "error", err)
		return
	}

	descriptors := d.filter(markets)
	d.logger.Info("discovery poll complete", "fetched", len(markets), "selected", len(descriptors))
	if len(descriptors) == 0 {
		return
	}

	// Replace any stale unread result.
	select {
	case d.resultCh <- descriptors:
	default:
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- descriptors
	}
}

func (d *Discovery) fetchMarkets(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	const limit = 100

	for {
		var page []GammaMarket
		err := d.gw.Execute(ctx, gateway.CategoryGamma, func(ctx context.Context) error {
			resp, err := d.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"limit":  strconv.Itoa(limit),
					"offset": strconv.Itoa(offset),
					"active": "true",
					"closed": "false",
				}).
				SetResult(&page).
				Get("/markets")
			if err != nil {
				return fmt.Errorf("fetch markets page %d: %w", offset, err)
			}
			if resp.StatusCode() != 200 {
				return fmt.Errorf("fetch markets: status %d", resp.StatusCode())
			}
			return nil
		}, "gamma markets")
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}
	return all, nil
}

// filter keeps tradable binaries inside the horizon and converts them
// to descriptors.
func (d *Discovery) filter(markets []GammaMarket) []types.MarketDescriptor {
	includeSlugs := toSet(d.cfg.IncludeSlugs)
	includeKw := lowerAll(d.cfg.IncludeKeywords)
	excludeKw := lowerAll(d.cfg.ExcludeKeywords)
	hasInclude := len(includeSlugs) > 0 || len(includeKw) > 0

	now := time.Now()
	horizonDays := d.cfg.MaxEndDateDays
	if horizonDays <= 0 {
		horizonDays = 2
	}
	maxEnd := now.AddDate(0, 0, horizonDays)

	var out []types.MarketDescriptor
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
			continue
		}

		slug := strings.ToLower(m.Slug)
		question := strings.ToLower(m.Question)
		if hasInclude {
			matched := includeSlugs[slug]
			for _, kw := range includeKw {
				if matched {
					break
				}
				matched = strings.Contains(slug, kw) || strings.Contains(question, kw)
			}
			if !matched {
				continue
			}
		}
		if containsAny(slug, excludeKw) || containsAny(question, excludeKw) {
			continue
		}

		if liq, err := strconv.ParseFloat(m.Liquidity, 64); err == nil && liq < d.cfg.MinLiquidity {
			continue
		}

		endTime, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil || endTime.Before(now) || endTime.After(maxEnd) {
			continue
		}

		desc, ok := d.toDescriptor(m, endTime)
		if !ok {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// toDescriptor extracts the two outcome tokens. Markets with other than
// two outcomes are not binaries and are skipped.
func (d *Discovery) toDescriptor(m GammaMarket, endTime time.Time) (types.MarketDescriptor, bool) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &tokenIDs); err != nil || len(tokenIDs) != 2 {
		return types.MarketDescriptor{}, false
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil || len(outcomes) != 2 {
		return types.MarketDescriptor{}, false
	}
	if tokenIDs[0] == "" || tokenIDs[1] == "" {
		return types.MarketDescriptor{}, false
	}

	return types.MarketDescriptor{
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Question:    m.Question,
		UpTokenID:   tokenIDs[0],
		DownTokenID: tokenIDs[1],
		UpLabel:     outcomes[0],
		DownLabel:   outcomes[1],
		Sport:       sportOf(m.Slug),
		EndTime:     endTime,
		NegRisk:     m.NegRisk,
		BestBidUp:   m.BestBid,
		BestAskUp:   m.BestAsk,
	}, true
}

// sportOf infers the sport key from the slug prefix.
func sportOf(slug string) string {
	prefix, _, ok := strings.Cut(strings.ToLower(slug), "-")
	if !ok {
		return ""
	}
	return sportPrefixes[prefix]
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = true
		}
	}
	return set
}

func lowerAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

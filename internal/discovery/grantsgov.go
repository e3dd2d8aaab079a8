package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/pkg/model"
)

// SourceGrantsGov is the stable identifier for the Grants.gov feed source.
const SourceGrantsGov = "grants_gov"

// GrantsGovSource consumes the bulk XML opportunity feed (a daily dump or
// RSS-style listing). Detail fetches are capped at one request per second.
type GrantsGovSource struct {
	cfg     config.SourceConfig
	http    *httpx.Client
	limiter *intervalLimiter
	logger  *zap.Logger
}

// NewGrantsGovSource builds the Grants.gov client.
func NewGrantsGovSource(cfg config.SourceConfig, logger *zap.Logger) *GrantsGovSource {
	if cfg.RateInterval == 0 {
		cfg.RateInterval = time.Second
	}
	return &GrantsGovSource{
		cfg:     cfg,
		http:    httpx.New(),
		limiter: newIntervalLimiter(cfg.RateInterval),
		logger:  logger.Named("grants_gov"),
	}
}

// Name implements Source.
func (s *GrantsGovSource) Name() string { return SourceGrantsGov }

type grantsGovFeed struct {
	XMLName       xml.Name              `xml:"Grants"`
	Opportunities []grantsGovOpportunity `xml:"OpportunitySynopsisDetail"`
}

type grantsGovOpportunity struct {
	OpportunityID     string `xml:"OpportunityID"`
	OpportunityNumber string `xml:"OpportunityNumber"`
	Title             string `xml:"OpportunityTitle"`
	Description       string `xml:"Description"`
	AgencyName        string `xml:"AgencyName"`
	AwardCeiling      string `xml:"AwardCeiling"`
	AwardFloor        string `xml:"AwardFloor"`
	CloseDate         string `xml:"CloseDate"`  // MMDDYYYY
	PostDate          string `xml:"PostDate"`   // MMDDYYYY
	AdditionalInfoURL string `xml:"AdditionalInformationURL"`
}

// Fetch implements Source: one feed request, then per-record normalization.
// Records posted before since are skipped. Parse failures are partial.
func (s *GrantsGovSource) Fetch(ctx context.Context, since time.Time) ([]model.DiscoveredGrant, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := s.http.Do(ctx, http.MethodGet, s.cfg.URL, nil, nil)
	if err != nil {
		return nil, err
	}

	var feed grantsGovFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse grants.gov feed: %w", err)
	}

	var out []model.DiscoveredGrant
	rejected := 0
	var lastParseErr error
	for _, opp := range feed.Opportunities {
		g, err := s.normalize(opp)
		if err != nil {
			rejected++
			lastParseErr = err
			continue
		}
		if !since.IsZero() {
			if posted, ok := parseCompactDate(opp.PostDate); ok && posted.Before(since) {
				continue
			}
		}
		out = append(out, g)
	}

	if rejected > 0 {
		return out, &PartialError{Rejected: rejected, Cause: lastParseErr}
	}
	return out, nil
}

func (s *GrantsGovSource) normalize(opp grantsGovOpportunity) (model.DiscoveredGrant, error) {
	externalID := opp.OpportunityNumber
	if externalID == "" {
		externalID = opp.OpportunityID
	}
	if externalID == "" || opp.Title == "" {
		return model.DiscoveredGrant{}, fmt.Errorf("opportunity missing id or title")
	}

	g := model.DiscoveredGrant{
		Source:        SourceGrantsGov,
		ExternalID:    externalID,
		Title:         opp.Title,
		Description:   opp.Description,
		URL:           opp.AdditionalInfoURL,
		FundingAgency: opp.AgencyName,
		DiscoveredAt:  time.Now().UTC(),
	}
	if deadline, ok := parseCompactDate(opp.CloseDate); ok {
		g.Deadline = &deadline
	}
	var ceiling, floor float64
	fmt.Sscanf(opp.AwardCeiling, "%f", &ceiling)
	fmt.Sscanf(opp.AwardFloor, "%f", &floor)
	g.AmountMax = ceiling
	g.AmountMin = floor
	if ceiling > 0 {
		g.EstimatedAmount = ceiling
	}
	return g, nil
}

// parseCompactDate handles the feed's MMDDYYYY format.
func parseCompactDate(s string) (time.Time, bool) {
	if len(s) != 8 {
		return time.Time{}, false
	}
	t, err := time.Parse("01022006", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

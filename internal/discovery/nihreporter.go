package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/pkg/model"
)

// SourceNIH is the stable identifier for the NIH Reporter source.
const SourceNIH = "nih"

// NIHReporterSource queries the NIH Reporter-style structured record API:
// POST with a criteria object plus offset/limit paging.
type NIHReporterSource struct {
	cfg     config.SourceConfig
	http    *httpx.Client
	limiter *intervalLimiter
	logger  *zap.Logger
}

// NewNIHReporterSource builds the NIH Reporter client.
func NewNIHReporterSource(cfg config.SourceConfig, logger *zap.Logger) *NIHReporterSource {
	if cfg.PageSize == 0 {
		cfg.PageSize = 50
	}
	return &NIHReporterSource{
		cfg:     cfg,
		http:    httpx.New(),
		limiter: newIntervalLimiter(cfg.RateInterval),
		logger:  logger.Named("nih_reporter"),
	}
}

// Name implements Source.
func (s *NIHReporterSource) Name() string { return SourceNIH }

type reporterRequest struct {
	Criteria reporterCriteria `json:"criteria"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

type reporterCriteria struct {
	DateRange *reporterDateRange `json:"award_notice_date,omitempty"`
}

type reporterDateRange struct {
	From string `json:"from_date"`
	To   string `json:"to_date"`
}

type reporterResponse struct {
	Results []reporterProject `json:"results"`
	Meta    struct {
		Total int `json:"total"`
	} `json:"meta"`
}

type reporterProject struct {
	ProjectNum   string  `json:"project_num"`
	Title        string  `json:"project_title"`
	Abstract     string  `json:"abstract_text"`
	Organization struct {
		Name string `json:"org_name"`
	} `json:"organization"`
	AwardAmount float64 `json:"award_amount"`
	ProjectEnd  string  `json:"project_end_date"` // RFC3339
	DetailURL   string  `json:"project_detail_url"`
}

// Fetch implements Source.
func (s *NIHReporterSource) Fetch(ctx context.Context, since time.Time) ([]model.DiscoveredGrant, error) {
	var out []model.DiscoveredGrant
	rejected := 0
	var lastParseErr error

	criteria := reporterCriteria{}
	if !since.IsZero() {
		criteria.DateRange = &reporterDateRange{
			From: since.UTC().Format("2006-01-02"),
			To:   time.Now().UTC().Format("2006-01-02"),
		}
	}

	for offset := 0; ; offset += s.cfg.PageSize {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := json.Marshal(reporterRequest{
			Criteria: criteria,
			Offset:   offset,
			Limit:    s.cfg.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reporter request: %w", err)
		}

		header := http.Header{"Content-Type": []string{"application/json"}}
		resp, err := s.http.Do(ctx, http.MethodPost, s.cfg.URL, header, body)
		if err != nil {
			if len(out) > 0 {
				return out, &PartialError{Rejected: rejected, Cause: err}
			}
			return nil, err
		}

		var parsed reporterResponse
		if err := json.Unmarshal(resp, &parsed); err != nil {
			return out, fmt.Errorf("failed to parse reporter response: %w", err)
		}

		for _, p := range parsed.Results {
			g, err := s.normalize(p)
			if err != nil {
				rejected++
				lastParseErr = err
				continue
			}
			out = append(out, g)
		}

		if offset+s.cfg.PageSize >= parsed.Meta.Total || len(parsed.Results) == 0 {
			break
		}
	}

	if rejected > 0 {
		return out, &PartialError{Rejected: rejected, Cause: lastParseErr}
	}
	return out, nil
}

func (s *NIHReporterSource) normalize(p reporterProject) (model.DiscoveredGrant, error) {
	if p.ProjectNum == "" || p.Title == "" {
		return model.DiscoveredGrant{}, fmt.Errorf("reporter project missing number or title")
	}
	g := model.DiscoveredGrant{
		Source:          SourceNIH,
		ExternalID:      p.ProjectNum,
		Title:           p.Title,
		Description:     p.Abstract,
		URL:             p.DetailURL,
		FundingAgency:   orDefault(p.Organization.Name, "NIH"),
		EstimatedAmount: p.AwardAmount,
		DiscoveredAt:    time.Now().UTC(),
	}
	if p.ProjectEnd != "" {
		if end, err := time.Parse(time.RFC3339, p.ProjectEnd); err == nil {
			g.Deadline = &end
		}
	}
	return g, nil
}

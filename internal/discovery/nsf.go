package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/pkg/model"
)

// SourceNSF is the stable identifier for the NSF awards API source.
const SourceNSF = "nsf"

// NSFSource pages through the NSF-style REST API. Each page is a GET with
// offset/limit; paging stops on a short page.
type NSFSource struct {
	cfg     config.SourceConfig
	http    *httpx.Client
	limiter *intervalLimiter
	logger  *zap.Logger
}

// NewNSFSource builds the NSF client.
func NewNSFSource(cfg config.SourceConfig, logger *zap.Logger) *NSFSource {
	if cfg.PageSize == 0 {
		cfg.PageSize = 25
	}
	return &NSFSource{
		cfg:     cfg,
		http:    httpx.New(),
		limiter: newIntervalLimiter(cfg.RateInterval),
		logger:  logger.Named("nsf"),
	}
}

// Name implements Source.
func (s *NSFSource) Name() string { return SourceNSF }

type nsfResponse struct {
	Response struct {
		Award []nsfAward `json:"award"`
	} `json:"response"`
}

type nsfAward struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Abstract       string `json:"abstractText"`
	Agency         string `json:"agency"`
	FundsObligated string `json:"fundsObligatedAmt"`
	DueDate        string `json:"dueDate"` // MM/dd/yyyy
	URL            string `json:"url"`
}

// Fetch implements Source. Pages until a short page; per-record parse
// failures are reported as a PartialError.
func (s *NSFSource) Fetch(ctx context.Context, since time.Time) ([]model.DiscoveredGrant, error) {
	var out []model.DiscoveredGrant
	rejected := 0
	var lastParseErr error

	for offset := 0; ; offset += s.cfg.PageSize {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		q := url.Values{}
		q.Set("offset", fmt.Sprint(offset))
		q.Set("rpp", fmt.Sprint(s.cfg.PageSize))
		if !since.IsZero() {
			q.Set("dateStart", since.UTC().Format("01/02/2006"))
		}

		body, err := s.http.Do(ctx, http.MethodGet, s.cfg.URL+"?"+q.Encode(), nil, nil)
		if err != nil {
			if len(out) > 0 {
				// Later pages failing does not void earlier pages.
				return out, &PartialError{Rejected: rejected, Cause: err}
			}
			return nil, err
		}

		var parsed nsfResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return out, fmt.Errorf("failed to parse nsf response: %w", err)
		}

		for _, award := range parsed.Response.Award {
			g, err := s.normalize(award)
			if err != nil {
				rejected++
				lastParseErr = err
				continue
			}
			out = append(out, g)
		}

		if len(parsed.Response.Award) < s.cfg.PageSize {
			break
		}
	}

	if rejected > 0 {
		return out, &PartialError{Rejected: rejected, Cause: lastParseErr}
	}
	return out, nil
}

func (s *NSFSource) normalize(a nsfAward) (model.DiscoveredGrant, error) {
	if a.ID == "" || a.Title == "" {
		return model.DiscoveredGrant{}, fmt.Errorf("nsf award missing id or title")
	}
	g := model.DiscoveredGrant{
		Source:        SourceNSF,
		ExternalID:    a.ID,
		Title:         a.Title,
		Description:   a.Abstract,
		URL:           a.URL,
		FundingAgency: orDefault(a.Agency, "NSF"),
		DiscoveredAt:  time.Now().UTC(),
	}
	if a.DueDate != "" {
		if due, err := time.Parse("01/02/2006", a.DueDate); err == nil {
			g.Deadline = &due
		}
	}
	if a.FundsObligated != "" {
		var amount float64
		if _, err := fmt.Sscanf(a.FundsObligated, "%f", &amount); err == nil {
			g.EstimatedAmount = amount
		}
	}
	return g, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

package service

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
	"github.com/c50bossio/hybrid-payments/internal/repository"
)

//go:embed templates/statement.html
var statementTemplate string

var statementFuncs = template.FuncMap{
	"toLower": strings.ToLower,
	"minor":   money.Major,
	"pct": func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.1f%%", *v*100)
	},
	"date": func(t time.Time) string { return t.Format("2006-01-02") },
}

var statementTmpl = template.Must(template.New("statement").Funcs(statementFuncs).Parse(statementTemplate))

const statementCollectionLimit = 100

// ReportService assembles a merchant's commission statement from the dashboard, the
// collector and the reconciliation queue.
type ReportService struct {
	analytics   *AnalyticsService
	collections *CollectionService
	ledger      *LedgerService
}

func NewReportService(analytics *AnalyticsService, collections *CollectionService, ledger *LedgerService) *ReportService {
	return &ReportService{analytics: analytics, collections: collections, ledger: ledger}
}

type Statement struct {
	GeneratedAt time.Time                    `json:"generated_at"`
	Dashboard   *Dashboard                   `json:"dashboard"`
	Collections []model.CommissionCollection `json:"collections"`
	OpenIssues  []model.ReconciliationIssue  `json:"open_issues"`
}

func (s *ReportService) Statement(ctx context.Context, merchantID string, period Period) (*Statement, error) {
	d, err := s.analytics.Dashboard(ctx, merchantID, period)
	if err != nil {
		return nil, err
	}

	all, _, err := s.collections.ListCollections(ctx, repository.CollectionFilter{
		MerchantID: merchantID,
		Limit:      statementCollectionLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("statement collections: %w", err)
	}
	inPeriod := make([]model.CommissionCollection, 0, len(all))
	for _, c := range all {
		if !c.CreatedAt.Before(period.From) && c.CreatedAt.Before(period.To) {
			inPeriod = append(inPeriod, c)
		}
	}

	issues, err := s.ledger.ListIssues(ctx, merchantID, true)
	if err != nil {
		return nil, fmt.Errorf("statement issues: %w", err)
	}
	if issues == nil {
		issues = []model.ReconciliationIssue{}
	}

	return &Statement{
		GeneratedAt: time.Now().UTC(),
		Dashboard:   d,
		Collections: inPeriod,
		OpenIssues:  issues,
	}, nil
}

func (s *ReportService) RenderHTML(st *Statement) (string, error) {
	var buf bytes.Buffer
	if err := statementTmpl.Execute(&buf, st); err != nil {
		return "", err
	}
	return buf.String(), nil
}

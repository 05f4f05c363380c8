package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/georgepadayatti/certpath/certvalidator"
	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

// Report formats.
const (
	formatText     = "text"
	formatMarkdown = "markdown"
)

// Per-certificate statuses.
const (
	statusOK         = "ok"
	statusNotReached = "not reached"
)

// pathReport is the outcome of one validate run, one row per certificate.
type pathReport struct {
	rows     [][]string
	valid    bool
	anchor   string
	policies []string
	failure  string
}

func newPathReport(chain []*x509.Certificate, result *certvalidator.ValidationResult, verr error) *pathReport {
	r := &pathReport{valid: verr == nil}

	// Certificates are processed from the anchor end, so everything above
	// the failing index passed. Target constraints are checked before any
	// certificate is processed.
	failed := -1
	beforeProcessing := false
	var ve *certvalidator.ValidationError
	if errors.As(verr, &ve) {
		failed = ve.Index
		beforeProcessing = ve.Kind == certvalidator.TargetConstraintsMismatch
	} else if verr != nil {
		failed = len(chain)
	}

	for i, cert := range chain {
		status := statusOK
		switch {
		case i == failed:
			status = ve.Kind.String()
		case i < failed, beforeProcessing:
			status = statusNotReached
		}
		r.rows = append(r.rows, []string{
			strconv.Itoa(i),
			certRole(i, len(chain)),
			cert.Subject.String(),
			cert.Issuer.String(),
			cert.NotAfter.UTC().Format(time.RFC3339),
			status,
		})
	}

	if verr != nil {
		r.failure = verr.Error()
		return r
	}
	r.anchor = fmt.Sprint(result.TrustAnchor)
	r.policies = finalPolicies(result)
	return r
}

func certRole(index, n int) string {
	switch {
	case index == 0:
		return "end-entity"
	case index == n-1:
		return "top"
	default:
		return "intermediate"
	}
}

// finalPolicies lists the authority-constrained policies at the leaves of
// the valid policy tree.
func finalPolicies(result *certvalidator.ValidationResult) []string {
	tree := result.PolicyTree
	if tree == nil {
		return nil
	}
	depth := tree.MaxDepth()
	policies := tree.ValidPolicies(depth).ToSlice()
	if len(policies) == 0 && len(tree.NodesAtDepth(depth)) > 0 {
		return []string{"anyPolicy"}
	}
	sort.Strings(policies)
	return policies
}

func newTable(w io.Writer, format string) *tablewriter.Table {
	if format == formatMarkdown {
		return tablewriter.NewTable(w,
			tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{Streaming: true})),
		)
	}
	return tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint()),
	)
}

func (r *pathReport) render(w io.Writer, format string) error {
	table := newTable(w, format)
	table.Header([]string{"#", "Role", "Subject", "Issuer", "Not After", "Status"})
	if err := table.Bulk(r.rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if !r.valid {
		_, err := fmt.Fprintf(w, "\nResult: INVALID\n%s\n", r.failure)
		return err
	}
	policies := "none"
	if len(r.policies) > 0 {
		policies = fmt.Sprint(r.policies)
	}
	_, err := fmt.Fprintf(w, "\nResult: VALID\nTrust anchor: %s\nPolicies: %s\n", r.anchor, policies)
	return err
}

// renderCRLs lists stored CRLs.
func renderCRLs(w io.Writer, format string, crls []*revinfo.CRLInfo) error {
	table := newTable(w, format)
	table.Header([]string{"Issuer", "Number", "Kind", "This Update", "Next Update", "Entries"})
	for _, ci := range crls {
		number := "-"
		if ci.Number != nil {
			number = ci.Number.String()
		}
		kind := "base"
		if ci.IsDelta() {
			kind = "delta of " + ci.DeltaIndicator.String()
		}
		next := "-"
		if !ci.CRL.NextUpdate.IsZero() {
			next = ci.CRL.NextUpdate.UTC().Format(time.RFC3339)
		}
		if err := table.Append([]string{
			ci.CRL.Issuer.String(),
			number,
			kind,
			ci.CRL.ThisUpdate.UTC().Format(time.RFC3339),
			next,
			strconv.Itoa(len(ci.CRL.RevokedCertificateEntries)),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

package cli

import (
	"errors"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certpath/certvalidator"
	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
	"github.com/georgepadayatti/certpath/config"
	"github.com/georgepadayatti/certpath/keys"
)

// ValidateOptions contains options for the validate command.
type ValidateOptions struct {
	Anchors           []string
	CRLs              []string
	CRLDatabase       string
	Policies          []string
	ExplicitPolicy    bool
	InhibitMapping    bool
	InhibitAnyPolicy  bool
	RevocationEnabled bool
	StrictAlgorithms  bool
	At                string
	Format            string
}

func newValidateCommand(global *globalOptions) *cobra.Command {
	opts := &ValidateOptions{}

	cmd := &cobra.Command{
		Use:   "validate CHAIN...",
		Short: "Validate a certification path",
		Long: `Validate the certification path read from CHAIN, end-entity certificate
first. Files may hold PEM, DER or PKCS#7 encoded certificates.

Exit status is 1 when the path is invalid and 2 on usage or configuration errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vc, err := opts.resolve(cmd, global.cfg.Validation, args)
			if err != nil {
				return err
			}
			return runValidate(cmd, opts, vc)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&opts.Anchors, "anchor", nil, "Trust anchor certificate file (repeatable)")
	flags.StringArrayVar(&opts.CRLs, "crl", nil, "CRL file (repeatable)")
	flags.StringVar(&opts.CRLDatabase, "crl-db", "", "bbolt CRL database")
	flags.StringArrayVar(&opts.Policies, "policy", nil, "Acceptable policy OID (repeatable); default any policy")
	flags.BoolVar(&opts.ExplicitPolicy, "explicit-policy", false, "Require an explicit policy")
	flags.BoolVar(&opts.InhibitMapping, "inhibit-mapping", false, "Inhibit policy mapping")
	flags.BoolVar(&opts.InhibitAnyPolicy, "inhibit-any", false, "Inhibit anyPolicy")
	flags.BoolVar(&opts.RevocationEnabled, "revocation", false, "Check revocation against the loaded CRLs")
	flags.BoolVar(&opts.StrictAlgorithms, "strict-algorithms", false, "Reject SHA-1, MD5 and short RSA/DSA keys")
	flags.StringVar(&opts.At, "at", "", "Validation time (RFC 3339); default now")
	flags.StringVar(&opts.Format, "format", "text", "Report format (text, markdown)")
	return cmd
}

// resolve overlays the flags that were set on the configuration file's
// validation section and checks the result.
func (o *ValidateOptions) resolve(cmd *cobra.Command, base *config.ValidationConfig, args []string) (*config.ValidationConfig, error) {
	vc := &config.ValidationConfig{}
	if base != nil {
		*vc = *base
	}

	flags := cmd.Flags()
	if len(args) > 0 {
		vc.Certificates = args
	}
	if flags.Changed("anchor") {
		vc.TrustAnchors = o.Anchors
	}
	if flags.Changed("crl") {
		vc.CRLs = o.CRLs
	}
	if flags.Changed("crl-db") {
		vc.CRLDatabase = o.CRLDatabase
	}
	if flags.Changed("policy") {
		vc.InitialPolicies = o.Policies
	}
	if flags.Changed("at") {
		vc.ValidationTime = o.At
	}
	vc.ExplicitPolicyRequired = vc.ExplicitPolicyRequired || o.ExplicitPolicy
	vc.PolicyMappingInhibited = vc.PolicyMappingInhibited || o.InhibitMapping
	vc.AnyPolicyInhibited = vc.AnyPolicyInhibited || o.InhibitAnyPolicy
	vc.RevocationEnabled = vc.RevocationEnabled || o.RevocationEnabled

	if len(vc.Certificates) == 0 {
		return nil, usageError("no certificate chain given")
	}
	if len(vc.TrustAnchors) == 0 {
		return nil, usageError("no trust anchors configured; use --anchor")
	}
	switch o.Format {
	case formatText, formatMarkdown:
	default:
		return nil, usageError("unknown report format %q", o.Format)
	}
	if err := vc.Validate(); err != nil {
		return nil, &exitError{code: ExitUsage, err: err}
	}
	return vc, nil
}

// params builds validation parameters from the resolved configuration. The
// returned cleanup closes any CRL database that was opened.
func (o *ValidateOptions) params(vc *config.ValidationConfig) (*certvalidator.ValidationParams, func(), error) {
	cleanup := func() {}

	anchorCerts, err := keys.LoadCertsFromPemDerFiles(vc.TrustAnchors)
	if err != nil {
		return nil, cleanup, usageError("failed to load trust anchors: %w", err)
	}
	anchors := certvalidator.NewTrustAnchorStore()
	for _, cert := range anchorCerts {
		anchors.AddCertificate(cert)
	}

	params := certvalidator.NewValidationParams(anchors.All()...)
	params.ExplicitPolicyRequired = vc.ExplicitPolicyRequired
	params.PolicyMappingInhibited = vc.PolicyMappingInhibited
	params.AnyPolicyInhibited = vc.AnyPolicyInhibited
	params.RevocationEnabled = vc.RevocationEnabled
	params.Clock = clockwork.NewRealClock()
	if o.StrictAlgorithms {
		params.AlgorithmPolicy = certvalidator.NewDisallowWeakAlgorithmsPolicy()
	}

	policies, err := vc.Policies()
	if err != nil {
		return nil, cleanup, &exitError{code: ExitUsage, err: err}
	}
	if len(policies) > 0 {
		params.InitialPolicies = mapset.NewSet(policies...)
	}

	// A zero instant falls back to the clock.
	at, err := vc.Instant()
	if err != nil {
		return nil, cleanup, &exitError{code: ExitUsage, err: err}
	}
	params.ValidationTime = at

	if len(vc.CRLs) > 0 {
		crls, err := keys.LoadCRLFiles(vc.CRLs)
		if err != nil {
			return nil, cleanup, usageError("failed to load CRLs: %w", err)
		}
		params.CRLStores = append(params.CRLStores, revinfo.NewMemoryStore(crls...))
	}
	if vc.CRLDatabase != "" {
		db, err := revinfo.OpenBoltStore(vc.CRLDatabase)
		if err != nil {
			return nil, cleanup, usageError("%w", err)
		}
		cleanup = func() {
			if err := db.Close(); err != nil {
				log.L.WithError(err).Warn("failed to close CRL database")
			}
		}
		params.CRLStores = append(params.CRLStores, db)
	}
	return params, cleanup, nil
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions, vc *config.ValidationConfig) error {
	chain, err := keys.LoadCertificateChain(vc.Certificates)
	if err != nil {
		return usageError("failed to load chain: %w", err)
	}

	params, cleanup, err := opts.params(vc)
	if err != nil {
		return err
	}
	defer cleanup()
	params.Logger = log.L.WithField("chain", vc.Certificates[0])

	certs := chain.Certificates()
	result, verr := certvalidator.ValidatePath(certs, params)

	report := newPathReport(certs, result, verr)
	if err := report.render(cmd.OutOrStdout(), opts.Format); err != nil {
		return err
	}

	if verr != nil {
		var ve *certvalidator.ValidationError
		if errors.As(verr, &ve) {
			return &exitError{code: ExitInvalid, err: verr}
		}
		return &exitError{code: ExitUsage, err: verr}
	}
	return nil
}

// Package reporter builds device-info snapshots and delivers them, along
// with escalation confirmations and remote log lines, to the active
// authority endpoint.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"fleetagent/internal/desired"
	"fleetagent/internal/logging"
	"fleetagent/internal/platform"
	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
	"fleetagent/internal/state"
	"fleetagent/internal/version"
)

// Client is the subset of the authority client used for reporting.
type Client interface {
	SendInfo(ctx context.Context, ep mdmserver.Endpoint, report mdmserver.DeviceReport) error
	Confirm(ctx context.Context, ep mdmserver.Endpoint, action string, report mdmserver.DeviceReport) error
	SendLogs(ctx context.Context, ep mdmserver.Endpoint, deviceID string, entries []mdmserver.LogEntry) error
}

// Store is the persisted state the reporter reads.
type Store interface {
	DeviceID(ctx context.Context) (string, error)
	Endpoints(ctx context.Context) (state.Endpoints, error)
	Capabilities(ctx context.Context) ([]state.CapabilityRecord, error)
	ActiveConfig(ctx context.Context) ([]byte, string, bool, error)
}

// Reporter sends device state to the authority.
type Reporter struct {
	client Client
	store  Store
	host   platform.Host
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Reporter.
func New(client Client, store Store, host platform.Host, logger *slog.Logger) *Reporter {
	return &Reporter{
		client: client,
		store:  store,
		host:   host,
		logger: logging.NewComponentLogger(logger, "reporter"),
		now:    time.Now,
	}
}

// Build assembles the current device-info snapshot.
func (r *Reporter) Build(ctx context.Context) (mdmserver.DeviceReport, error) {
	deviceID, err := r.store.DeviceID(ctx)
	if err != nil {
		return mdmserver.DeviceReport{}, err
	}
	info := r.host.Info(ctx)
	privileged, err := r.host.Privileged(ctx)
	if err != nil {
		return mdmserver.DeviceReport{}, fmt.Errorf("privilege check: %w", err)
	}
	report := mdmserver.DeviceReport{
		DeviceID:     deviceID,
		AgentVersion: version.Version,
		Hostname:     info.Hostname,
		Model:        info.Model,
		OS:           info.OS,
		Kernel:       info.Kernel,
		Privileged:   privileged,
		ReportedAt:   r.now().UTC(),
	}

	caps, err := r.store.Capabilities(ctx)
	if err != nil {
		return mdmserver.DeviceReport{}, err
	}
	if len(caps) > 0 {
		report.Capabilities = make(map[string]string, len(caps))
		for _, c := range caps {
			report.Capabilities[c.Name] = string(c.State)
		}
	}

	packages, err := r.host.InstalledPackages(ctx)
	if err != nil {
		logging.WarnWithContext(r.logger, "listing installed packages failed", "report_packages_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "device report sent without application list"),
		)
	}
	for pkg, ver := range packages {
		report.Applications = append(report.Applications, mdmserver.InstalledApp{Package: pkg, Version: ver})
	}
	sort.Slice(report.Applications, func(i, j int) bool {
		return report.Applications[i].Package < report.Applications[j].Package
	})

	data, revision, ok, err := r.store.ActiveConfig(ctx)
	if err != nil {
		return mdmserver.DeviceReport{}, err
	}
	if ok {
		report.ConfigRevision = revision
		cfg, err := desired.Decode(data)
		if err != nil {
			logging.WarnWithContext(r.logger, "cached configuration unreadable", "report_config_invalid",
				logging.String("revision", revision),
				logging.Error(err),
				logging.String(logging.FieldImpact, "device report sent without lock and kiosk state"),
			)
		} else {
			report.Locked = cfg.Lock
			report.KioskMode = cfg.KioskMode
		}
	}
	return report, nil
}

// Send delivers a device-info report.
func (r *Reporter) Send(ctx context.Context) error {
	report, err := r.Build(ctx)
	if err != nil {
		return err
	}
	ep, err := r.endpoint(ctx)
	if err != nil {
		return err
	}
	if err := r.client.SendInfo(ctx, ep, report); err != nil {
		return err
	}
	r.logger.Debug("device report sent", logging.String("endpoint", ep.String()))
	return nil
}

// Confirm reports the outcome of an escalation action.
func (r *Reporter) Confirm(ctx context.Context, action string, outcome mdmserver.EscalationOutcome) error {
	report, err := r.Build(ctx)
	if err != nil {
		return err
	}
	report.Escalation = &outcome
	ep, err := r.endpoint(ctx)
	if err != nil {
		return err
	}
	return r.client.Confirm(ctx, ep, action, report)
}

// Log sends one remote log line.
func (r *Reporter) Log(ctx context.Context, level, pkg, message string) error {
	deviceID, err := r.store.DeviceID(ctx)
	if err != nil {
		return err
	}
	ep, err := r.endpoint(ctx)
	if err != nil {
		return err
	}
	entry := mdmserver.LogEntry{Timestamp: r.now().UTC(), Level: level, PackageID: pkg, Message: message}
	return r.client.SendLogs(ctx, ep, deviceID, []mdmserver.LogEntry{entry})
}

func (r *Reporter) endpoint(ctx context.Context) (mdmserver.Endpoint, error) {
	eps, err := r.store.Endpoints(ctx)
	if err != nil {
		return mdmserver.Endpoint{}, err
	}
	if eps.Primary == "" {
		return mdmserver.Endpoint{}, services.Wrap(services.ErrConfiguration, "reporter", "endpoint", "no authority endpoint stored", nil)
	}
	return mdmserver.Endpoint{BaseURL: eps.Primary, Project: eps.Project}, nil
}

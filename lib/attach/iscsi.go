package attach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/onkernel/backupd/lib/logger"
)

// iscsiConnector logs into iSCSI targets with iscsiadm and waits for udev to
// create the by-path link.
type iscsiConnector struct {
	opts Options
}

type iscsiTarget struct {
	portal string
	iqn    string
	lun    int
}

// targets returns every portal to log into. Without multipath only the
// primary portal is used.
func (c *iscsiConnector) targets(data map[string]any) ([]iscsiTarget, error) {
	portal, err := stringField(data, "target_portal")
	if err != nil {
		return nil, err
	}
	iqn, err := stringField(data, "target_iqn")
	if err != nil {
		return nil, err
	}
	lun, _ := intField(data, "target_lun")
	primary := iscsiTarget{portal: portal, iqn: iqn, lun: lun}
	if !c.opts.UseMultipath {
		return []iscsiTarget{primary}, nil
	}

	portals := stringsField(data, "target_portals")
	iqns := stringsField(data, "target_iqns")
	if len(portals) == 0 || len(portals) != len(iqns) {
		return []iscsiTarget{primary}, nil
	}
	targets := make([]iscsiTarget, 0, len(portals))
	for i := range portals {
		targets = append(targets, iscsiTarget{portal: portals[i], iqn: iqns[i], lun: lun})
	}
	return targets, nil
}

func (c *iscsiConnector) login(ctx context.Context, t iscsiTarget) error {
	if _, err := c.opts.Executor.Run(ctx, "iscsiadm", "-m", "node", "-T", t.iqn, "-p", t.portal, "--op", "new"); err != nil {
		return fmt.Errorf("create iscsi node %s: %w", t.portal, err)
	}
	out, err := c.opts.Executor.Run(ctx, "iscsiadm", "-m", "node", "-T", t.iqn, "-p", t.portal, "--login")
	if err != nil && !strings.Contains(string(out), "already present") {
		return fmt.Errorf("iscsi login %s: %w", t.portal, err)
	}
	return nil
}

func (c *iscsiConnector) logout(ctx context.Context, t iscsiTarget) error {
	if _, err := c.opts.Executor.Run(ctx, "iscsiadm", "-m", "node", "-T", t.iqn, "-p", t.portal, "--logout"); err != nil {
		return fmt.Errorf("iscsi logout %s: %w", t.portal, err)
	}
	if _, err := c.opts.Executor.Run(ctx, "iscsiadm", "-m", "node", "-T", t.iqn, "-p", t.portal, "--op", "delete"); err != nil {
		return fmt.Errorf("delete iscsi node %s: %w", t.portal, err)
	}
	return nil
}

func (c *iscsiConnector) Connect(ctx context.Context, data map[string]any) (*Device, error) {
	log := logger.FromContext(ctx)

	targets, err := c.targets(data)
	if err != nil {
		return nil, err
	}

	var loggedIn []iscsiTarget
	for _, t := range targets {
		if err := c.login(ctx, t); err != nil {
			if len(targets) == 1 {
				return nil, err
			}
			log.WarnContext(ctx, "iscsi portal login failed, trying remaining paths", "portal", t.portal, "error", err)
			continue
		}
		loggedIn = append(loggedIn, t)
	}
	if len(loggedIn) == 0 {
		return nil, fmt.Errorf("%w: no iscsi portal accepted login", ErrDeviceNotFound)
	}

	if mpathID, ok := data["multipath_id"].(string); ok && c.opts.UseMultipath && mpathID != "" {
		path := c.opts.Paths.MultipathDevice(mpathID)
		if err := waitForDevice(ctx, path, c.opts); err == nil {
			return &Device{Path: path}, nil
		}
		log.WarnContext(ctx, "multipath map did not appear, using single path", "multipath_id", mpathID)
	}

	var errs []error
	for _, t := range loggedIn {
		path := c.opts.Paths.ISCSIDisk(t.portal, t.iqn, t.lun)
		if err := waitForDevice(ctx, path, c.opts); err != nil {
			errs = append(errs, err)
			continue
		}
		return &Device{Path: path}, nil
	}

	for _, t := range loggedIn {
		if err := c.logout(ctx, t); err != nil {
			log.WarnContext(ctx, "failed to log out after scan failure", "portal", t.portal, "error", err)
		}
	}
	return nil, errors.Join(errs...)
}

func (c *iscsiConnector) Disconnect(ctx context.Context, data map[string]any, dev *Device, force bool) error {
	targets, err := c.targets(data)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range targets {
		if err := c.logout(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if force {
		if len(errs) > 0 {
			logger.FromContext(ctx).WarnContext(ctx, "ignoring iscsi logout errors on forced disconnect", "error", errors.Join(errs...))
		}
		return nil
	}
	return errors.Join(errs...)
}

package providers

import (
	"context"

	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/migration"
	"github.com/vmnode/vmcore/lib/vmconfig"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// unconfiguredRunner is the default migration.TargetRunner: it refuses
// every call. A deployment that wants cross-node migration supplies its
// own SSH-backed TargetRunner to providers.ProvideTargetRunner's call
// site instead of relying on this default.
type unconfiguredRunner struct{}

func (unconfiguredRunner) StartTarget(ctx context.Context, vmid string, bootArgs []string) (string, error) {
	return "", vmerr.New(vmerr.UnsupportedFeat, "no migration target runner configured")
}

func (unconfiguredRunner) CheckResources(ctx context.Context, cfg *vmconfig.Config) (bool, string, error) {
	return false, "", vmerr.New(vmerr.UnsupportedFeat, "no migration target runner configured")
}

func (unconfiguredRunner) AbortTarget(ctx context.Context, vmid string) error {
	return vmerr.New(vmerr.UnsupportedFeat, "no migration target runner configured")
}

func (unconfiguredRunner) PrepareDiskMirror(ctx context.Context, vmid, driveID string, d drive.Drive) (migration.MirrorTarget, error) {
	return migration.MirrorTarget{}, vmerr.New(vmerr.UnsupportedFeat, "no migration target runner configured")
}

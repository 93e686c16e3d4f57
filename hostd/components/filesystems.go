package components

import (
	"context"
	"sort"
	"strings"

	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/itskum47/hostforge/hostd/inventory"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Filesystems inventories block devices and mount points.
type Filesystems struct {
	framework.Base
	rt     *framework.Runtime
	logger *zap.Logger

	partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

func NewFilesystems() *Filesystems {
	return &Filesystems{
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

func (f *Filesystems) Name() string { return NameFilesystems }

func (f *Filesystems) OnInit(ctx context.Context, rt *framework.Runtime) error {
	f.rt = rt
	f.logger = rt.Logger.Named(NameFilesystems)
	return nil
}

func (f *Filesystems) OnStart(ctx context.Context) error {
	if _, _, err := f.Scan(ctx); err != nil {
		f.logger.Warn("filesystem scan failed", zap.Error(err))
	}
	return nil
}

// Scan reads the mounted partitions and persists devices and mount points.
func (f *Filesystems) Scan(ctx context.Context) ([]inventory.Device, []inventory.MountPoint, error) {
	parts, err := f.partitions(ctx, false)
	if err != nil {
		return nil, nil, err
	}

	devs := []inventory.Device{}
	points := []inventory.MountPoint{}
	seen := make(map[string]bool)
	for _, p := range parts {
		if !seen[p.Device] {
			seen[p.Device] = true
			devs = append(devs, inventory.Device{ID: deviceID(p.Device), Path: p.Device, FSType: p.Fstype})
		}
		mp := inventory.MountPoint{
			ID:     p.Mountpoint,
			Device: p.Device,
			Path:   p.Mountpoint,
			FSType: p.Fstype,
			Opts:   strings.Join(p.Opts, ","),
		}
		if u, err := f.usage(ctx, p.Mountpoint); err == nil {
			mp.Total, mp.Used, mp.Usage = u.Total, u.Used, u.UsedPercent
		} else {
			f.logger.Debug("usage unavailable", zap.String("path", p.Mountpoint), zap.Error(err))
		}
		points = append(points, mp)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Path < devs[j].Path })
	sort.Slice(points, func(i, j int) bool { return points[i].Path < points[j].Path })

	if err := store.SetJSON(ctx, f.rt.Store, store.KeyFilesystemDevs, devs); err != nil {
		return nil, nil, err
	}
	if err := store.SetJSON(ctx, f.rt.Store, store.KeyFilesystemPts, points); err != nil {
		return nil, nil, err
	}
	return devs, points, nil
}

func deviceID(dev string) string {
	return strings.TrimPrefix(dev, "/dev/")
}

func (f *Filesystems) Methods() framework.MethodTable {
	return framework.MethodTable{
		"scan": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			devs, points, err := f.Scan(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"devices": devs, "points": points}, nil
		},
		"devices": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			var devs []inventory.Device
			err := store.GetJSONOrEmpty(ctx, f.rt.Store, store.KeyFilesystemDevs, &devs)
			return devs, err
		},
		"points": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			var points []inventory.MountPoint
			err := store.GetJSONOrEmpty(ctx, f.rt.Store, store.KeyFilesystemPts, &points)
			return points, err
		},
	}
}

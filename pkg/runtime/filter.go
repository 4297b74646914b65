package runtime

import (
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"k8s.io/klog/v2"
)

type lessStatusFunc func(d1, d2 *DeviceStatus) bool

type statusSorter struct {
	ds        []*DeviceStatus
	lessFuncs []lessStatusFunc
}

func ByDevice(less ...lessStatusFunc) *statusSorter {
	return &statusSorter{
		lessFuncs: less,
	}
}

func (ms *statusSorter) Sort(ds []*DeviceStatus) {
	ms.ds = ds
	sort.Sort(ms)
}

func (ms *statusSorter) Len() int {
	return len(ms.ds)
}

func (ms *statusSorter) Swap(i, j int) {
	ms.ds[i], ms.ds[j] = ms.ds[j], ms.ds[i]
}

func (ms *statusSorter) Less(i, j int) bool {
	return ms.less(ms.ds[i], ms.ds[j])
}

func (ms *statusSorter) less(p, q *DeviceStatus) bool {
	// Try all but the last comparison.
	var k int
	for k = 0; k < len(ms.lessFuncs)-1; k++ {
		less := ms.lessFuncs[k]
		switch {
		case less(p, q):
			return true
		case less(q, p):
			return false
		}
	}
	return ms.lessFuncs[k](p, q)
}

// Insert places d after every element that sorts before it.
func (ms *statusSorter) Insert(ds []*DeviceStatus, d *DeviceStatus) []*DeviceStatus {
	i := sort.Search(len(ds), func(i int) bool { return ms.less(d, ds[i]) })
	ds = append(ds, nil)
	copy(ds[i+1:], ds[i:])
	ds[i] = d
	return ds
}

type IdFilterFunc struct {
	Eq         string
	In         []string
	Contains   string
	StartsWith string
	EndsWith   string
}

// DeviceFilter is the JSON carried by the filter query parameter. Id is
// either a plain id or an IdFilterFunc object.
type DeviceFilter struct {
	Id     interface{} `json:"id"`
	State  string      `json:"state"`
	Online *bool       `json:"online"`
}

type predicateStatus func(d *DeviceStatus) bool

func ParseDeviceFilter(filter *DeviceFilter) []predicateStatus {
	predicates := make([]predicateStatus, 0)
	if filter == nil {
		return predicates
	}

	// state
	if len(filter.State) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return strings.EqualFold(filter.State, d.State.String())
		})
	}

	// online
	if filter.Online != nil {
		online := *filter.Online
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return d.Online == online
		})
	}

	// id
	if filter.Id == nil {
		return predicates
	}
	if id, ok := filter.Id.(string); ok {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return id == d.Id
		})
		return predicates
	}

	var ff IdFilterFunc
	if err := mapstructure.Decode(filter.Id, &ff); err != nil {
		klog.V(3).InfoS("Failed to parse filter.id", "error", err)
	}
	if len(ff.Eq) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return ff.Eq == d.Id
		})
	}
	if len(ff.In) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			for _, id := range ff.In {
				if id == d.Id {
					return true
				}
			}
			return false
		})
	}
	if len(ff.Contains) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return strings.Contains(d.Id, ff.Contains)
		})
	}
	if len(ff.StartsWith) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return strings.HasPrefix(d.Id, strings.TrimSpace(ff.StartsWith))
		})
	}
	if len(ff.EndsWith) > 0 {
		predicates = append(predicates, func(d *DeviceStatus) bool {
			return strings.HasSuffix(d.Id, strings.TrimSpace(ff.EndsWith))
		})
	}
	return predicates
}

func Match(d *DeviceStatus, predicates []predicateStatus) bool {
	for _, p := range predicates {
		if !p(d) {
			return false
		}
	}
	return true
}

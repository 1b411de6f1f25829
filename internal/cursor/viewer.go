package cursor

import (
	"github.com/syncrouter/syncrouter/internal/matcher"
	"github.com/syncrouter/syncrouter/internal/projector"
	"github.com/syncrouter/syncrouter/internal/rerror"
	"github.com/syncrouter/syncrouter/internal/sorter"
)

// viewer is the compiled query triple. It exists only for descriptions that
// qualify for the streaming path; cursors without one poll instead.
type viewer struct {
	matcher   *matcher.Matcher
	projector *projector.Projector
	sorter    *sorter.Sorter
}

// compileViewer builds the triple, or explains why the description has to be
// served by polling.
func compileViewer(d *Description) (*viewer, error) {
	m, err := matcher.Compile(d.Selector)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindCompile, err, "selector %v is not supported", d.Selector)
	}
	p, err := projector.Compile(d.Projection)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindCompile, err, "projection %v is not supported", d.Projection)
	}
	s, err := sorter.Compile(d.Sort)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindCompile, err, "sort %v is not supported", d.Sort)
	}

	if d.Limit != nil && d.Sort == nil {
		return nil, rerror.New(rerror.KindCompile, "limit requires sort")
	}
	if d.Skip != nil {
		return nil, rerror.New(rerror.KindCompile, "skip is not supported")
	}
	if d.DisableOplog {
		return nil, rerror.New(rerror.KindCompile, "explicitly disabled")
	}

	return &viewer{matcher: m, projector: p, sorter: s}, nil
}

// Package fetch implements the chunked pull protocol a governor uses to
// obtain finished object bytes from a peer governor or from the server.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/governor/data"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// ChunkSize is how much one Fetch round-trip transfers.
const ChunkSize = 4 << 20

// maxRedirects bounds server->peer redirect loops.
const maxRedirects = 32

var (
	// ErrRemoved reports that the object was removed at the source.
	ErrRemoved = errors.New("fetch: object was removed")
	// ErrIgnored reports that the object's session was recently cleaned;
	// the caller's own session is about to fail too.
	ErrIgnored = errors.New("fetch: object session is ignored")
)

// Source answers single fetch requests.
type Source interface {
	Fetch(ctx context.Context, req v1.FetchMsg) (*v1.FetchReplyMsg, error)
}

// Resolver provides fetch sources: the server upstream and peer governors.
type Resolver interface {
	Server() Source
	Governor(ctx context.Context, id v1.GovernorID) (Source, error)
}

// Options describe one pull.
type Options struct {
	ID       v1.ObjectID
	DataType v1.DataType
	// TargetPath receives file-backed data.
	TargetPath string
	// Placement is the initial source; the server sentinel (empty) pulls
	// from the server directly.
	Placement v1.GovernorID
}

// Fetch pulls one object. Chunks accumulate in a builder sized by the
// transport size reported with the first chunk; cancelling the context
// drops the partial data.
func Fetch(ctx context.Context, resolver Resolver, opts Options) (*data.Data, *v1.ObjectInfo, error) {
	var (
		source    Source
		fromPeer  bool
		builder   *data.Builder
		info      *v1.ObjectInfo
		offset    uint64
		total     uint64
		redirects int
	)

	setSource := func(placement v1.GovernorID) error {
		if placement.IsServer() {
			source = resolver.Server()
			fromPeer = false
			return nil
		}
		peer, err := resolver.Governor(ctx, placement)
		if err != nil {
			return err
		}
		source = peer
		fromPeer = true
		return nil
	}
	if err := setSource(opts.Placement); err != nil {
		return nil, nil, err
	}

	fail := func(err error) (*data.Data, *v1.ObjectInfo, error) {
		if builder != nil {
			builder.Abort()
		}
		return nil, nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		reply, err := source.Fetch(ctx, v1.FetchMsg{
			ID:          opts.ID,
			Offset:      offset,
			Size:        ChunkSize,
			IncludeInfo: builder == nil,
		})
		if err != nil {
			return fail(fmt.Errorf("fetch of %s failed: %w", opts.ID, err))
		}

		switch reply.Status {
		case v1.FetchOk:
			if builder == nil {
				total = reply.TransportSize
				info = reply.Info
				builder = data.NewBuilder(opts.DataType, opts.TargetPath, int64(total))
			}
			if len(reply.Data) > 0 {
				if _, err := builder.Write(reply.Data); err != nil {
					return fail(err)
				}
				offset += uint64(len(reply.Data))
			}
			if offset >= total {
				d, err := builder.Build()
				if err != nil {
					return fail(err)
				}
				return d, info, nil
			}
			if len(reply.Data) == 0 {
				return fail(fmt.Errorf("fetch of %s stalled at offset %d of %d", opts.ID, offset, total))
			}

		case v1.FetchNotHere:
			// Peers answer NotHere; fall back to the server, which knows the
			// current placement.
			if !fromPeer {
				return fail(fmt.Errorf("server has no placement for %s", opts.ID))
			}
			if err := setSource(""); err != nil {
				return fail(err)
			}

		case v1.FetchRedirect:
			if fromPeer {
				return fail(fmt.Errorf("peer redirected fetch of %s", opts.ID))
			}
			redirects++
			if redirects > maxRedirects {
				return fail(fmt.Errorf("fetch of %s exceeded %d redirects", opts.ID, maxRedirects))
			}
			if err := setSource(reply.Redirect); err != nil {
				return fail(err)
			}

		case v1.FetchRemoved:
			return fail(ErrRemoved)

		case v1.FetchIgnored:
			return fail(ErrIgnored)

		case v1.FetchError:
			message := "fetch failed"
			if reply.Error != nil {
				message = reply.Error.Message
			}
			return fail(fmt.Errorf("fetch of %s: %s", opts.ID, message))

		default:
			return fail(fmt.Errorf("fetch of %s: invalid status %q", opts.ID, reply.Status))
		}
	}
}

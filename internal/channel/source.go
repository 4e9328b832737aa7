package channel

import "context"

// Source is an authoritative channel store. Misses return ErrNotFound; any
// other error is a data-access fault.
type Source interface {
	// Name labels lookups in metrics and logs.
	Name() string
	ChannelByIdentifier(ctx context.Context, appID, poolID int64, identifier string) (*Channel, error)
	ChannelByURL(ctx context.Context, appID int64, url string) (*Channel, error)
	Access(ctx context.Context, appID, poolID, channelID, roleID int64) (*AccessGrant, error)
	Workspace(ctx context.Context, appID, poolID, roleID int64) ([]Channel, error)
}

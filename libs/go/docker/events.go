package docker

import (
	"context"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// EventMessage is one container lifecycle event from the engine.
type EventMessage struct {
	ContainerID string
	Action      string
	Attributes  map[string]string
}

// WatchContainers subscribes to container events matching the label filters
// and, when given, the listed actions. Both channels are owned by the engine
// stream and end when ctx is cancelled or the connection drops; callers that
// need a durable watch reconnect on error.
func (c *Client) WatchContainers(ctx context.Context, labelFilters map[string]string, actions ...string) (<-chan EventMessage, <-chan error) {
	filterArgs := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	for key, value := range labelFilters {
		filterArgs.Add("label", key+"="+value)
	}
	for _, action := range actions {
		filterArgs.Add("event", action)
	}

	msgCh, rawErrCh := c.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	out := make(chan EventMessage)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-rawErrCh:
				if err != nil && ctx.Err() == nil {
					errCh <- err
				}
				return
			case msg := <-msgCh:
				event := EventMessage{
					ContainerID: msg.Actor.ID,
					Action:      string(msg.Action),
					Attributes:  msg.Actor.Attributes,
				}
				select {
				case <-ctx.Done():
					return
				case out <- event:
				}
			}
		}
	}()

	return out, errCh
}

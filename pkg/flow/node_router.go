package flow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/loomworks/loom/pkg/protocol"
)

type routingLogic struct {
	Field     string   `mapstructure:"field"`
	Value     any      `mapstructure:"value"`
	Operator  string   `mapstructure:"operator"`
	Threshold *float64 `mapstructure:"threshold"`
	Pattern   string   `mapstructure:"pattern"`
}

type routerNodeConfig struct {
	RoutingLogic routingLogic `mapstructure:"routing_logic"`
}

// RouterNode evaluates a predicate over one flow state field and records the
// branch decision the engine routes on.
type RouterNode struct {
	BaseNode
	cfg routerNodeConfig
}

func NewRouterNode(cfg NodeConfig) (Node, error) {
	node := &RouterNode{BaseNode: newBaseNode(cfg, CategoryRouter)}
	if err := decodeNodeConfig(cfg.Config, &node.cfg); err != nil {
		return nil, fmt.Errorf("invalid router node config: %w", err)
	}
	if node.cfg.RoutingLogic.Field == "" {
		return nil, fmt.Errorf("router node %s missing routing_logic.field", cfg.ID)
	}
	return node, nil
}

func (n *RouterNode) ExecuteStream(ctx context.Context, run *Run) (<-chan protocol.Chunk, error) {
	out := make(chan protocol.Chunk, 1)
	go func() {
		defer close(out)

		logic := n.cfg.RoutingLogic
		value, _ := run.StateGet(logic.Field)
		branch := n.evaluate(logic, value)

		run.StateSet("router_decision", map[string]any{
			"field":           logic.Field,
			"value":           value,
			"selected_branch": branch,
		})

		chunk := protocol.NewChunk(protocol.ChunkTypeContent,
			fmt.Sprintf("route on %s: %t", logic.Field, branch))
		chunk = chunk.WithMeta(protocol.MetaNodeID, n.ID())
		chunk = chunk.WithMeta(protocol.MetaField, logic.Field)
		chunk = chunk.WithMeta(protocol.MetaSelectedBranch, branch)
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (n *RouterNode) evaluate(logic routingLogic, value any) bool {
	if logic.Value != nil {
		return fmt.Sprint(value) == fmt.Sprint(logic.Value)
	}

	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return compareNumber(v, logic)
	case int:
		return compareNumber(float64(v), logic)
	case string:
		if logic.Pattern != "" {
			matched, err := regexp.MatchString(logic.Pattern, v)
			return err == nil && matched
		}
		if number, err := strconv.ParseFloat(v, 64); err == nil && logic.Threshold != nil {
			return compareNumber(number, logic)
		}
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

func compareNumber(value float64, logic routingLogic) bool {
	if logic.Threshold == nil {
		return value != 0
	}
	threshold := *logic.Threshold
	switch logic.Operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==", "":
		return value == threshold
	default:
		return value == threshold
	}
}

// Package agent provides the public types shared by every orchestra component:
// the Agent handle, its declarative Descriptor, thread Messages and the
// ordered Registry built at startup.
//
// # Custom agents
//
// Any type implementing Agent can be registered. For quick adapters use Func:
//
//	echo := &agent.Func{
//	    Desc: agent.Descriptor{Key: "echo", Name: "Echo", Instructions: "Repeat input."},
//	    Fn: func(ctx context.Context, inv *agent.Invocation) (*agent.Response, error) {
//	        return &agent.Response{Content: inv.Input}, nil
//	    },
//	}
//
//	reg := agent.NewRegistry()
//	_ = reg.Register(echo)
//	reg.Seal()
//
// # Messages
//
// Thread messages are values and are never mutated after they are appended:
//
//	msg := agent.UserMessage("deploy this service to production").
//	    WithMetadata("channel", "cli")
package agent

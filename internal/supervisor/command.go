package supervisor

import (
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// CmdType enumerates control message kinds handled by a Supervisor.
type CmdType int

const (
	CmdStart CmdType = iota
	CmdStop
	CmdRestart
	CmdFire
	CmdUpdate
	CmdLost
	CmdDelete
)

// Command is one serialized control message. Reply, when non-nil, receives
// exactly one result.
type Command struct {
	Type       CmdType
	Grace      time.Duration // stop/restart/delete
	Delay      time.Duration // restart
	ScheduleID string        // fire
	Workload   workload.Workload
	Policy     workload.RestartPolicy
	PriorPID   int // lost
	Reply      chan error
}

func (c Command) reply(err error) {
	if c.Reply != nil {
		c.Reply <- err
	}
}

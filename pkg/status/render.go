// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"mission-toolkit/pkg/backend"
)

// Renderer writes snapshots as aligned text, colored when the output is a
// terminal.
type Renderer struct {
	w    io.Writer
	good *color.Color
	warn *color.Color
	bad  *color.Color
	head *color.Color
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewRenderer returns a Renderer for w. Colors are used only when colorize
// is set.
func NewRenderer(w io.Writer, colorize bool) *Renderer {
	r := &Renderer{
		w:    w,
		good: color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
		head: color.New(color.Bold),
	}
	for _, c := range []*color.Color{r.good, r.warn, r.bad, r.head} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

func (r *Renderer) state(s string) string {
	switch s {
	case string(backend.PoolActive), string(backend.AllocationSteady), "true":
		return r.good.Sprint(s)
	case NotAvailable, NotExist, "false":
		return r.warn.Sprint(s)
	case Failed, string(backend.PoolDeleting), string(backend.JobTerminating):
		return r.bad.Sprint(s)
	default:
		return s
	}
}

// Snapshot writes s.
func (r *Renderer) Snapshot(s Snapshot) error {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", r.head.Sprint("MISSION"), s.Mission)
	fmt.Fprintf(tw, "time\t%s\n", s.Time.Format("2006-01-02 15:04:05 MST"))

	fmt.Fprintf(tw, "%s\t%s\n", r.head.Sprint("POOL"), s.Pool.Name)
	fmt.Fprintf(tw, "state\t%s\n", r.state(s.Pool.State))
	fmt.Fprintf(tw, "allocation\t%s\n", r.state(s.Pool.Allocation))
	if s.Pool.Exists {
		fmt.Fprintf(tw, "target nodes\t%d\n", s.Pool.Target)
		var nodes []string
		for _, st := range backend.NodeStates {
			if n := s.Pool.Nodes[st]; n > 0 {
				nodes = append(nodes, fmt.Sprintf("%s=%d", st, n))
			}
		}
		if len(nodes) == 0 {
			nodes = append(nodes, "none")
		}
		fmt.Fprintf(tw, "nodes\t%s\n", strings.Join(nodes, " "))
	}

	fmt.Fprintf(tw, "%s\t%s\n", r.head.Sprint("JOB"), s.Job.Name)
	fmt.Fprintf(tw, "state\t%s\n", r.state(s.Job.State))
	if s.Job.Exists {
		failed := fmt.Sprint(s.Job.Tasks.Failed)
		if s.Job.Tasks.Failed > 0 {
			failed = r.bad.Sprint(failed)
		}
		fmt.Fprintf(tw, "tasks\tactive=%d running=%d succeeded=%s failed=%s\n",
			s.Job.Tasks.Active, s.Job.Tasks.Running, r.good.Sprint(s.Job.Tasks.Succeeded), failed)
	}
	fmt.Fprintf(tw, "ledger\ttotal=%d completed=%d downloaded=%d outstanding=%d\n",
		s.Ledger.Total, s.Ledger.Completed, s.Ledger.Downloaded, s.Ledger.Outstanding())

	fmt.Fprintf(tw, "%s\t%s\n", r.head.Sprint("STORAGE"), s.Storage.Container)
	fmt.Fprintf(tw, "exists\t%s\n", r.state(fmt.Sprint(s.Storage.Exists)))
	return tw.Flush()
}

// Storage writes a per-directory usage table.
func (r *Renderer) Storage(u StorageUsage) error {
	if !u.Exists {
		_, err := fmt.Fprintf(r.w, "container %s: %s\n", u.Container, r.state(NotExist))
		return err
	}
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.head.Sprint("DIRECTORY"), r.head.Sprint("FILES"), r.head.Sprint("SIZE (MB)"), r.head.Sprint("LAST MODIFIED"))
	for _, d := range u.Dirs {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\n", d.Name, d.Blobs, d.SizeMB(), formatTime(d.LastModified))
	}
	fmt.Fprintf(tw, "%s\t\t%.2f\t%s\n", r.head.Sprintf("TOTAL (%d dirs)", u.DirCount), float64(u.TotalSize)/(1<<20), formatTime(u.LastModified))
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Overview writes a fresh snapshot of the mission to w. The snapshot is
// written even when some parts could not be read.
func (r *Reporter) Overview(ctx context.Context, w io.Writer) error {
	s, err := r.Snapshot(ctx)
	if rerr := NewRenderer(w, IsTerminal(w)).Snapshot(s); rerr != nil {
		return rerr
	}
	return err
}

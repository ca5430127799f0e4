// Package sched builds the task graph that reconstructs one tile-component:
// code-block decoding, then per resolution the horizontal and vertical
// wavelet passes, then the final copy.
package sched

import (
	"context"
	"fmt"

	"github.com/phenopolis/grok/internal/flow"
)

// Synthesis performs the wavelet passes of one resolution.
type Synthesis interface {
	HorizontalL(r int) error
	HorizontalH(r int) error
	Vertical(r int) error
}

// ResFlow holds the tasks of one resolution. Resolution 0 has only the
// block module.
type ResFlow struct {
	Level int

	// Blocks is the module holding one task per code-block.
	Blocks *flow.Graph

	blocks flow.Task
	horizL flow.Task
	horizH flow.Task
	vert   flow.Task
}

// BlocksTask returns the task running the block module.
func (rf *ResFlow) BlocksTask() flow.Task { return rf.blocks }

// HorizL returns the horizontal pass over the vertically low-pass rows.
func (rf *ResFlow) HorizL() flow.Task { return rf.horizL }

// HorizH returns the horizontal pass over the vertically high-pass rows.
func (rf *ResFlow) HorizH() flow.Task { return rf.horizH }

// Vert returns the vertical pass.
func (rf *ResFlow) Vert() flow.Task { return rf.vert }

// last returns the task after which the resolution is complete.
func (rf *ResFlow) last() flow.Task {
	if rf.vert.Valid() {
		return rf.vert
	}
	return rf.blocks
}

// ComponentFlow is the decode graph of one tile-component.
type ComponentFlow struct {
	Component int

	graph     *flow.Graph
	res       []*ResFlow
	finalCopy flow.Task
}

func blockFlowName(comp, r int) string {
	return fmt.Sprintf("c%d-blocks-r%d", comp, r)
}

// NewComponentFlow lays out the graph of component comp for numRes
// reconstructed resolutions. Nothing runs until the graph is executed and
// tasks without attached work do nothing.
func NewComponentFlow(comp, numRes int) *ComponentFlow {
	cf := &ComponentFlow{
		Component: comp,
		graph:     flow.NewGraph(fmt.Sprintf("component-%d", comp)),
	}
	for r := 0; r < numRes; r++ {
		rf := &ResFlow{Level: r, Blocks: flow.NewGraph(blockFlowName(comp, r))}
		rf.blocks = cf.graph.Compose(rf.Blocks.Name(), rf.Blocks)
		if r > 0 {
			rf.horizL = cf.graph.Placeholder(fmt.Sprintf("c%d-horizL-r%d", comp, r))
			rf.horizH = cf.graph.Placeholder(fmt.Sprintf("c%d-horizH-r%d", comp, r))
			rf.vert = cf.graph.Placeholder(fmt.Sprintf("c%d-vert-r%d", comp, r))
		}
		cf.res = append(cf.res, rf)
	}
	cf.finalCopy = cf.graph.Placeholder(fmt.Sprintf("c%d-copy", comp))
	cf.link()
	return cf
}

// link adds the edges: within a resolution blocks precede both horizontal
// passes which precede the vertical pass; a completed resolution precedes
// the horizontal passes of the next; the top resolution precedes the copy.
func (cf *ComponentFlow) link() {
	for r, rf := range cf.res {
		if r == 0 {
			continue
		}
		rf.blocks.Precede(rf.horizL, rf.horizH)
		rf.vert.Succeed(rf.horizL, rf.horizH)
		cf.res[r-1].last().Precede(rf.horizL, rf.horizH)
	}
	if len(cf.res) > 0 {
		cf.res[len(cf.res)-1].last().Precede(cf.finalCopy)
	}
}

// Graph returns the component graph.
func (cf *ComponentFlow) Graph() *flow.Graph { return cf.graph }

// NumResolutions returns the number of resolution flows.
func (cf *ComponentFlow) NumResolutions() int { return len(cf.res) }

// Resolution returns the flow of resolution r.
func (cf *ComponentFlow) Resolution(r int) *ResFlow { return cf.res[r] }

// FinalCopy returns the task that copies the reconstructed window out.
func (cf *ComponentFlow) FinalCopy() flow.Task { return cf.finalCopy }

// AddBlock adds a code-block task to resolution r.
func (cf *ComponentFlow) AddBlock(r int, name string, fn flow.Func) flow.Task {
	return cf.res[r].Blocks.Emplace(name, fn)
}

// AttachSynthesis sets the wavelet passes of every resolution above 0.
func (cf *ComponentFlow) AttachSynthesis(s Synthesis) {
	for _, rf := range cf.res[min(1, len(cf.res)):] {
		r := rf.Level
		rf.horizL.Work(func(context.Context) error { return s.HorizontalL(r) })
		rf.horizH.Work(func(context.Context) error { return s.HorizontalH(r) })
		rf.vert.Work(func(context.Context) error { return s.Vertical(r) })
	}
}

// AttachFinalCopy sets the work of the final copy.
func (cf *ComponentFlow) AttachFinalCopy(fn flow.Func) {
	cf.finalCopy.Work(fn)
}

// NumBlocks returns the number of code-block tasks over all resolutions.
func (cf *ComponentFlow) NumBlocks() int {
	n := 0
	for _, rf := range cf.res {
		n += rf.Blocks.Len()
	}
	return n
}

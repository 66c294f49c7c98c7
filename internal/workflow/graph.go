package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"helmsman/internal/logger"
)

// End 表示没有后继阶段。
const End = ""

// Edge 根据当前状态选出下一个阶段，返回 End 结束。
type Edge func(st *State) string

// Graph 是带条件边的阶段图。任何阶段出错或置位 ShouldFallback 都转入 fallback 节点。
type Graph struct {
	entry    string
	fallback string
	maxSteps int
	stages   map[string]Stage
	edges    map[string]Edge
	now      func() time.Time
}

// NewGraph 以 entry 为起点创建空图。
func NewGraph(entry string) *Graph {
	return &Graph{
		entry:    entry,
		maxSteps: 16,
		stages:   make(map[string]Stage),
		edges:    make(map[string]Edge),
		now:      time.Now,
	}
}

// AddStage 注册节点；next 为 nil 时该节点为终点。
func (g *Graph) AddStage(s Stage, next Edge) *Graph {
	if s == nil {
		return g
	}
	g.stages[s.Name()] = s
	if next != nil {
		g.edges[s.Name()] = next
	}
	return g
}

// SetFallback 指定兜底节点。
func (g *Graph) SetFallback(s Stage) *Graph {
	if s == nil {
		return g
	}
	g.stages[s.Name()] = s
	g.fallback = s.Name()
	return g
}

// Then 是无条件边。
func Then(next string) Edge {
	return func(*State) string { return next }
}

// Run 从入口开始执行，直到 End、兜底节点结束或超过步数上限。
// 返回时 st.Signal 一定非空：无论中途发生什么，缺省都是 hold。
func (g *Graph) Run(ctx context.Context, st *State) {
	if st == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cur := g.entry
	for step := 0; cur != End; step++ {
		if step >= g.maxSteps {
			logger.Errorf("Workflow: %s exceeded %d steps at %s", st.TraceID, g.maxSteps, cur)
			st.hold("workflow step limit reached")
			return
		}
		stage, ok := g.stages[cur]
		if !ok {
			st.addError(fmt.Errorf("unknown stage %q", cur))
			st.ShouldFallback = true
		} else if err := g.runStage(ctx, stage, st); err != nil {
			st.addError(err)
			st.ShouldFallback = true
			logger.Warnf("Workflow: %s stage failed: %v", st.TraceID, err)
		}
		if cur == g.fallback {
			break
		}
		if st.ShouldFallback {
			if g.fallback == "" {
				st.hold("stage failed without fallback")
				return
			}
			cur = g.fallback
			continue
		}
		if ctx.Err() != nil {
			st.addError(ctx.Err())
			st.hold("cycle cancelled: " + ctx.Err().Error())
			return
		}
		edge, ok := g.edges[cur]
		if !ok {
			cur = End
			continue
		}
		cur = edge(st)
	}
	if st.Signal == nil {
		st.hold("workflow ended without signal")
	}
}

func (g *Graph) runStage(ctx context.Context, stage Stage, st *State) (err error) {
	if st.onStage != nil {
		st.onStage(stage.Name())
	}
	start := g.now()
	defer func() {
		elapsed := g.now().Sub(start)
		if r := recover(); r != nil {
			logger.Errorf("Workflow: stage %s panic: %v\n%s", stage.Name(), r, debug.Stack())
			err = &StageError{Stage: stage.Name(), Panicked: true, Elapsed: elapsed, Err: fmt.Errorf("%v", r)}
		}
		st.recordTiming(stage.Name(), elapsed, err == nil)
	}()
	if runErr := stage.Run(ctx, st); runErr != nil {
		return &StageError{Stage: stage.Name(), Elapsed: g.now().Sub(start), Err: runErr}
	}
	return nil
}

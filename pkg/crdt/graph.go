package crdt

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// edgeSep 分隔边键中的两个端点。使用 ASCII 单元分隔符，
// 顶点名中不应出现该字符。
const edgeSep = "\x1f"

func edgeKey(from, to string) string {
	return from + edgeSep + to
}

// Graph 实现图 CRDT：顶点和边各自是一个观察-移除集合。
//
// 删除顶点不会级联删除它的边，边是独立的 CRDT 元素。需要
// 级联语义的调用方必须在删除顶点之前（或同时）自行删除相关
// 的边。端点已被删除的边在读取时被过滤，不参与邻接与路径
// 查询。
type Graph struct {
	Vertices *TagSet
	Edges    *TagSet
	VC       vclock.VectorClock
	Applied  map[string]struct{}
}

// NewGraph 创建一个空图。
func NewGraph() *Graph {
	return &Graph{
		Vertices: NewTagSet(),
		Edges:    NewTagSet(),
		VC:       vclock.New(),
		Applied:  make(map[string]struct{}),
	}
}

func (g *Graph) Kind() Kind {
	return KindGraph
}

// GraphValue 是 Value() 返回的图快照。
type GraphValue struct {
	Vertices []string
	Edges    [][2]string
}

func (g *Graph) Value() any {
	vertices := g.Vertices.Elements()
	slices.Sort(vertices)

	var edges [][2]string
	for _, key := range g.liveEdges() {
		from, to, _ := splitEdgeKey(key)
		edges = append(edges, [2]string{from, to})
	}
	return GraphValue{Vertices: vertices, Edges: edges}
}

func splitEdgeKey(key string) (from, to string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == edgeSep[0] {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// liveEdges 返回两个端点都存活的边键（排序后）。
func (g *Graph) liveEdges() []string {
	keys := g.Edges.Elements()
	slices.Sort(keys)
	out := keys[:0]
	for _, key := range keys {
		from, to, ok := splitEdgeKey(key)
		if !ok {
			continue
		}
		if g.Vertices.Contains(from) && g.Vertices.Contains(to) {
			out = append(out, key)
		}
	}
	return out
}

// HasVertex 报告顶点是否存活。
func (g *Graph) HasVertex(v string) bool {
	return g.Vertices.Contains(v)
}

// HasEdge 报告边及其两个端点是否都存活。
func (g *Graph) HasEdge(from, to string) bool {
	return g.Edges.Contains(edgeKey(from, to)) &&
		g.Vertices.Contains(from) && g.Vertices.Contains(to)
}

// Neighbors 返回 v 的出边邻接顶点（按字典序）。
func (g *Graph) Neighbors(v string) []string {
	var out []string
	for _, key := range g.liveEdges() {
		from, to, _ := splitEdgeKey(key)
		if from == v {
			out = append(out, to)
		}
	}
	return out
}

// FindPath 在当前观察到的邻接上做广度优先搜索。
// 邻接按字典序访问，因此相同的合并状态产生相同的路径。
// 找不到路径时返回 nil。
func (g *Graph) FindPath(from, to string) []string {
	if !g.Vertices.Contains(from) || !g.Vertices.Contains(to) {
		return nil
	}
	if from == to {
		return []string{from}
	}

	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Neighbors(cur) {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == to {
				// 回溯构造路径
				path := []string{to}
				for p := cur; p != ""; p = parent[p] {
					path = append(path, p)
				}
				slices.Reverse(path)
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// 图的操作。

type OpGraphAddVertex struct {
	OpMeta
	Vertex string
}

func (op OpGraphAddVertex) Kind() Kind { return KindGraph }

type OpGraphRemoveVertex struct {
	OpMeta
	Vertex string
}

func (op OpGraphRemoveVertex) Kind() Kind { return KindGraph }

type OpGraphAddEdge struct {
	OpMeta
	From string
	To   string
}

func (op OpGraphAddEdge) Kind() Kind { return KindGraph }

type OpGraphRemoveEdge struct {
	OpMeta
	From string
	To   string
}

func (op OpGraphRemoveEdge) Kind() Kind { return KindGraph }

func (g *Graph) Apply(op Op) error {
	switch o := op.(type) {
	case OpGraphAddVertex:
		if !observe(g.Applied, g.VC, o.OpMeta) {
			return nil
		}
		g.Vertices.Add(o.Vertex, makeTag(o.Origin, g.VC.Counter(o.Origin)))

	case OpGraphRemoveVertex:
		if !observe(g.Applied, g.VC, o.OpMeta) {
			return nil
		}
		g.Vertices.Remove(o.Vertex)

	case OpGraphAddEdge:
		if _, dup := g.Applied[o.OpID]; dup {
			return nil // 重放无害，且不再重新校验端点
		}
		if !g.Vertices.Contains(o.From) || !g.Vertices.Contains(o.To) {
			return fmt.Errorf("%w: 边 %s -> %s 的端点不存在", ErrInvalidOp, o.From, o.To)
		}
		if !observe(g.Applied, g.VC, o.OpMeta) {
			return nil
		}
		g.Edges.Add(edgeKey(o.From, o.To), makeTag(o.Origin, g.VC.Counter(o.Origin)))

	case OpGraphRemoveEdge:
		if !observe(g.Applied, g.VC, o.OpMeta) {
			return nil
		}
		g.Edges.Remove(edgeKey(o.From, o.To))

	default:
		return ErrInvalidOp
	}
	return nil
}

// Merge 分别合并顶点集与边集。
// 两个节点各自添加一条边时，合并后的图包含两条边。
func (g *Graph) Merge(other CRDT) error {
	o, ok := other.(*Graph)
	if !ok {
		return fmt.Errorf("cannot merge %T into Graph", other)
	}
	g.Vertices.Merge(o.Vertices)
	g.Edges.Merge(o.Edges)
	g.VC.Merge(o.VC)
	mergeApplied(g.Applied, o.Applied)
	return nil
}

func (g *Graph) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewGraph()
	out.Vertices = g.Vertices.DeltaSince(since)
	out.Edges = g.Edges.DeltaSince(since)
	out.VC = g.VC.Copy()
	out.Applied = copyApplied(g.Applied)
	return out, nil
}

func (g *Graph) Clock() vclock.VectorClock {
	return g.VC.Copy()
}

func (g *Graph) Bytes() ([]byte, error) {
	return marshalCanonical(g)
}

// FromBytesGraph 反序列化 Graph。
func FromBytesGraph(data []byte) (*Graph, error) {
	g := NewGraph()
	if err := msgpack.Unmarshal(data, g); err != nil {
		return nil, err
	}
	if g.Vertices == nil {
		g.Vertices = NewTagSet()
	}
	if g.Edges == nil {
		g.Edges = NewTagSet()
	}
	g.Vertices.normalize()
	g.Edges.normalize()
	if g.VC == nil {
		g.VC = vclock.New()
	}
	if g.Applied == nil {
		g.Applied = make(map[string]struct{})
	}
	return g, nil
}

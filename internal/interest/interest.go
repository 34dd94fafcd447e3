// Package interest разбивает подключенных пиров на вошедших и покинувших
// радиус объекта. Пакет не хранит состояния: множество отслеживаемых пиров
// передается вызывающей стороной и возвращается обновленным.
package interest

import (
	"math"
	"sort"

	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/vec"
)

// Set — множество идентификаторов пиров
type Set map[string]struct{}

// NewSet создает множество из перечисленных идентификаторов
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has сообщает, входит ли пир в множество
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted возвращает элементы в детерминированном порядке
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Result — результат одного прохода трекера
type Result struct {
	Nearby  Set      // новое множество отслеживаемых пиров
	Entered []string // nearby − tracked, по возрастанию
	Left    []string // tracked − nearby, по возрастанию
}

// Changed сообщает, изменилось ли членство
func (r Result) Changed() bool {
	return len(r.Entered) > 0 || len(r.Left) > 0
}

// RadiusSquared переводит радиус в квадрат. Радиус должен быть конечным и > 0.
func RadiusSquared(radius float64) (float64, bool) {
	if !(radius > 0) || math.IsInf(radius, 0) {
		return 0, false
	}
	return radius * radius, true
}

// InRange — строгая проверка d² < r². Пир ровно на границе вне радиуса.
func InRange(location, pos vec.Vec3, radiusSq float64) bool {
	return location.DistanceSquaredTo(pos) < radiusSq
}

// Evaluate вычисляет новое множество пиров в радиусе и разницу с tracked.
// Пиры с неизвестной позицией считаются находящимися вне радиуса.
// tracked не изменяется.
func Evaluate(location vec.Vec3, radiusSq float64, tracked Set, peers []storage.PeerPosition) Result {
	nearby := make(Set, len(tracked))
	for _, p := range peers {
		if p.PeerID == "" || !p.Known || !p.Position.IsFinite() {
			continue
		}
		if InRange(location, p.Position, radiusSq) {
			nearby[p.PeerID] = struct{}{}
		}
	}

	var res Result
	res.Nearby = nearby
	for id := range nearby {
		if !tracked.Has(id) {
			res.Entered = append(res.Entered, id)
		}
	}
	for id := range tracked {
		if !nearby.Has(id) {
			res.Left = append(res.Left, id)
		}
	}
	sort.Strings(res.Entered)
	sort.Strings(res.Left)
	return res
}

package view

import (
	"encoding/json"
)

// Stage is one step of a view pipeline. Stages serialize to the wire as
//
//	{"_cls": "<name>", "kwargs": [["<arg>", <value>], ...]}
//
// with kwargs as an ordered pair list so the backend can reconstruct the
// stage without knowing argument defaults.
type Stage struct {
	cls    string
	kwargs []kwarg
}

type kwarg struct {
	name  string
	value any
}

func newStage(cls string, kwargs ...kwarg) *Stage {
	return &Stage{
		cls:    cls,
		kwargs: kwargs,
	}
}

func (self *Stage) Cls() string {
	return self.cls
}

func (self *Stage) Serialize() map[string]any {
	kwargs := make([]any, 0, len(self.kwargs))
	for _, kw := range self.kwargs {
		kwargs = append(kwargs, []any{kw.name, resolve(kw.value)})
	}
	return map[string]any{
		"_cls":   self.cls,
		"kwargs": kwargs,
	}
}

func (self *Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Serialize())
}

func resolve(value any) any {
	if expr, ok := value.(*Expr); ok {
		return expr.ToMongo()
	}
	return value
}

// Match keeps the samples matching the given boolean expression.
func Match(filter *Expr) *Stage {
	return newStage(
		"Match",
		kwarg{"filter", filter},
	)
}

// Exists keeps the samples that have (or do not have, when existing is
// false) a non-null value for the given field.
func Exists(field string, existing bool) *Stage {
	return newStage(
		"Exists",
		kwarg{"field", field},
		kwarg{"bool", existing},
	)
}

// FilterField keeps only the values of the given field matching the
// filter expression. Inside the filter, F() refers to the field value.
func FilterField(field string, filter *Expr) *Stage {
	return newStage(
		"FilterField",
		kwarg{"field", field},
		kwarg{"filter", filter},
	)
}

// SortBy sorts the samples by the given field or expression.
func SortBy(fieldOrExpr any, reverse bool) *Stage {
	return newStage(
		"SortBy",
		kwarg{"field_or_expr", fieldOrExpr},
		kwarg{"reverse", reverse},
	)
}

// Skip omits the given number of samples from the head of the view.
func Skip(skip int) *Stage {
	return newStage(
		"Skip",
		kwarg{"skip", skip},
	)
}

// Limit caps the view at the given number of samples.
func Limit(limit int) *Stage {
	return newStage(
		"Limit",
		kwarg{"limit", limit},
	)
}

// Select keeps only the samples with the given ids, in view order.
func Select(sampleIds []string) *Stage {
	return newStage(
		"Select",
		kwarg{"sample_ids", sampleIds},
	)
}

// Exclude omits the samples with the given ids.
func Exclude(sampleIds []string) *Stage {
	return newStage(
		"Exclude",
		kwarg{"sample_ids", sampleIds},
	)
}

// Shuffle randomly reorders the samples. A seed of 0 means unseeded.
func Shuffle(seed int64) *Stage {
	return newStage(
		"Shuffle",
		kwarg{"seed", seed},
	)
}

// Take randomly samples the given number of samples. A seed of 0 means
// unseeded.
func Take(size int, seed int64) *Stage {
	return newStage(
		"Take",
		kwarg{"size", size},
		kwarg{"seed", seed},
	)
}

// View is an ordered pipeline of stages over a dataset. A View is
// immutable; the builder methods return extended copies.
type View struct {
	stages []*Stage
}

func NewView(stages ...*Stage) *View {
	return &View{
		stages: stages,
	}
}

func (self *View) Add(stage *Stage) *View {
	stages := make([]*Stage, 0, len(self.stages)+1)
	stages = append(stages, self.stages...)
	stages = append(stages, stage)
	return &View{
		stages: stages,
	}
}

func (self *View) Match(filter *Expr) *View {
	return self.Add(Match(filter))
}

func (self *View) Exists(field string, existing bool) *View {
	return self.Add(Exists(field, existing))
}

func (self *View) FilterField(field string, filter *Expr) *View {
	return self.Add(FilterField(field, filter))
}

func (self *View) SortBy(fieldOrExpr any, reverse bool) *View {
	return self.Add(SortBy(fieldOrExpr, reverse))
}

func (self *View) Skip(skip int) *View {
	return self.Add(Skip(skip))
}

func (self *View) Limit(limit int) *View {
	return self.Add(Limit(limit))
}

func (self *View) Select(sampleIds []string) *View {
	return self.Add(Select(sampleIds))
}

func (self *View) Exclude(sampleIds []string) *View {
	return self.Add(Exclude(sampleIds))
}

func (self *View) Shuffle(seed int64) *View {
	return self.Add(Shuffle(seed))
}

func (self *View) Take(size int, seed int64) *View {
	return self.Add(Take(size, seed))
}

func (self *View) Stages() []*Stage {
	return self.stages
}

func (self *View) Len() int {
	return len(self.stages)
}

func (self *View) Serialize() []map[string]any {
	serialized := make([]map[string]any, 0, len(self.stages))
	for _, stage := range self.stages {
		serialized = append(serialized, stage.Serialize())
	}
	return serialized
}

func (self *View) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Serialize())
}

// Package view builds dataset view expressions and stages.
//
// Expressions compile to MongoDB aggregation values via ToMongo. Field
// references are interpreted relative to the context in which they are
// used: inside Filter/Map/Reduce they refer to the array element being
// processed, and a leading "$" freezes a field to the root document.
package view

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

type exprKind int

const (
	valueExpr exprKind = iota
	fieldExpr
	objectIdExpr
)

// Expr is a view expression. The zero value is not useful; build
// expressions with F, E, Literal, ObjectId, or the Expr methods.
type Expr struct {
	node   any
	kind   exprKind
	frozen bool
	prefix string
}

func newExpr(node any) *Expr {
	return &Expr{
		node: node,
	}
}

// E wraps a raw aggregation value as an expression.
func E(node any) *Expr {
	return newExpr(node)
}

// F refers to a field or embedded field of a document, using dot notation
// for subfields. F() with no arguments refers to the current context.
// A leading "$" freezes the field to the root document in any context.
func F(name ...string) *Expr {
	n := ""
	if 0 < len(name) {
		n = name[0]
	}
	expr := &Expr{
		kind: fieldExpr,
	}
	if strings.HasPrefix(n, "$") {
		n = n[1:]
		expr.frozen = true
	}
	expr.node = n
	return expr
}

// Value refers to the current "$$value" in a reduction expression.
// See Reduce.
func Value() *Expr {
	return F("$$value")
}

// ObjectId refers to the ObjectId of a document, for expressions that
// check a document id against a known id.
func ObjectId(oid string) *Expr {
	return &Expr{
		node: oid,
		kind: objectIdExpr,
	}
}

// Literal returns the value without parsing, for values that would
// otherwise be interpreted as aggregation operators or field paths.
func Literal(value any) *Expr {
	return newExpr(map[string]any{"$literal": value})
}

// Rand resolves to a random float in [0, 1) each time it is evaluated.
func Rand() *Expr {
	return newExpr(map[string]any{"$rand": map[string]any{}})
}

// Range resolves to [0, ..., stop-1] with one argument, or
// [start, ..., stop-1] with two. Arguments may be ints or expressions.
func Range(args ...any) *Expr {
	var start any = 0
	var stop any
	switch len(args) {
	case 1:
		stop = args[0]
	case 2:
		start = args[0]
		stop = args[1]
	default:
		panic(fmt.Sprintf("Range requires 1 or 2 arguments, got %d", len(args)))
	}
	return newExpr(map[string]any{"$range": []any{start, stop}})
}

// Zip resolves to an array whose ith element is an array containing the
// ith element from each input array, up to the shortest input.
func Zip(args ...any) *Expr {
	return newExpr(map[string]any{"$zip": map[string]any{"inputs": args}})
}

// ZipLongest is Zip padded to the longest input. Missing values are set
// to the corresponding default, or null when defaults is nil.
func ZipLongest(defaults []any, args ...any) *Expr {
	zip := map[string]any{
		"inputs":           args,
		"useLongestLength": true,
	}
	if defaults != nil {
		zip["defaults"] = defaults
	}
	return newExpr(map[string]any{"$zip": zip})
}

// Enumerate resolves to an array of [index, element] pairs for the given
// array expression.
func Enumerate(array *Expr, start int) *Expr {
	stop := newExpr(map[string]any{"$add": []any{start, array.Length()}})
	expr := Zip(Range(start, stop), array)
	return array.LetIn(expr)
}

// ToMongo returns the MongoDB representation of the expression.
func (self *Expr) ToMongo() any {
	return self.toMongo("")
}

func (self *Expr) toMongo(prefix string) any {
	if self.frozen {
		prefix = self.prefix
	}
	switch self.kind {
	case fieldExpr:
		name := self.node.(string)
		if prefix != "" {
			if name != "" {
				return prefix + "." + name
			}
			return prefix
		}
		if name != "" {
			return "$" + name
		}
		return "$this"
	case objectIdExpr:
		return map[string]any{"$toObjectId": self.node}
	default:
		return nodeToMongo(self.node, prefix)
	}
}

func (self *Expr) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.ToMongo())
}

func (self *Expr) String() string {
	b, err := json.Marshal(self)
	if err != nil {
		return fmt.Sprintf("!invalid expression: %s", err)
	}
	return string(b)
}

func nodeToMongo(val any, prefix string) any {
	switch v := val.(type) {
	case *Expr:
		return v.toMongo(prefix)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = nodeToMongo(value, prefix)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = nodeToMongo(value, prefix)
		}
		return out
	default:
		return val
	}
}

// marks the outermost unfrozen expressions; the prefix propagates into
// nested nodes during serialization
func freezePrefix(val any, prefix string) {
	switch v := val.(type) {
	case *Expr:
		if !v.frozen {
			v.frozen = true
			v.prefix = prefix
		}
	case map[string]any:
		for _, value := range v {
			freezePrefix(value, prefix)
		}
	case []any:
		for _, value := range v {
			freezePrefix(value, prefix)
		}
	}
}

// replaces pointer-identical occurrences of old with next
func applyMemo(val any, old *Expr, next *Expr) any {
	switch v := val.(type) {
	case *Expr:
		if v == old {
			return next
		}
		v.node = applyMemo(v.node, old, next)
		return v
	case map[string]any:
		for key, value := range v {
			v[key] = applyMemo(value, old, next)
		}
		return v
	case []any:
		for i, value := range v {
			v[i] = applyMemo(value, old, next)
		}
		return v
	default:
		return val
	}
}

func (self *Expr) binary(op string, other any) *Expr {
	return newExpr(map[string]any{op: []any{self, other}})
}

func (self *Expr) unary(op string) *Expr {
	return newExpr(map[string]any{op: self})
}

// Comparison operators

func (self *Expr) Eq(other any) *Expr {
	return self.binary("$eq", other)
}

func (self *Expr) Ne(other any) *Expr {
	return self.binary("$ne", other)
}

func (self *Expr) Ge(other any) *Expr {
	return self.binary("$gte", other)
}

func (self *Expr) Gt(other any) *Expr {
	return self.binary("$gt", other)
}

func (self *Expr) Le(other any) *Expr {
	return self.binary("$lte", other)
}

func (self *Expr) Lt(other any) *Expr {
	return self.binary("$lt", other)
}

// Exists determines whether the expression resolves to a non-null value.
func (self *Expr) Exists() *Expr {
	return self.binary("$gt", nil)
}

// Logical operators

func (self *Expr) Not() *Expr {
	return self.unary("$not")
}

func (self *Expr) And(other any) *Expr {
	return self.binary("$and", other)
}

func (self *Expr) Or(other any) *Expr {
	return self.binary("$or", other)
}

// Numeric operators

func (self *Expr) Abs() *Expr {
	return self.unary("$abs")
}

func (self *Expr) Add(other any) *Expr {
	return self.binary("$add", other)
}

func (self *Expr) Sub(other any) *Expr {
	return self.binary("$subtract", other)
}

func (self *Expr) Mul(other any) *Expr {
	return self.binary("$multiply", other)
}

func (self *Expr) Div(other any) *Expr {
	return self.binary("$divide", other)
}

func (self *Expr) Mod(other any) *Expr {
	return self.binary("$mod", other)
}

func (self *Expr) Pow(power any) *Expr {
	return self.binary("$pow", power)
}

func (self *Expr) Floor() *Expr {
	return self.unary("$floor")
}

func (self *Expr) Ceil() *Expr {
	return self.unary("$ceil")
}

// Round rounds the expression at the given decimal place, which must be
// an integer in range (-20, 100). Negative places round left of the
// decimal.
func (self *Expr) Round(place int) *Expr {
	return self.binary("$round", place)
}

// Trunc truncates the expression at the given decimal place. Negative
// places truncate digits left of the decimal.
func (self *Expr) Trunc(place int) *Expr {
	return self.binary("$trunc", place)
}

func (self *Expr) Exp() *Expr {
	return self.unary("$exp")
}

func (self *Expr) Ln() *Expr {
	return self.unary("$ln")
}

func (self *Expr) Log(base any) *Expr {
	return self.binary("$log", base)
}

func (self *Expr) Log10() *Expr {
	return self.unary("$log10")
}

func (self *Expr) Sqrt() *Expr {
	return self.unary("$sqrt")
}

// Type predicates

// Type returns the BSON type string of the expression.
func (self *Expr) Type() *Expr {
	return self.unary("$type")
}

func (self *Expr) IsNull() *Expr {
	return self.Eq(nil)
}

func (self *Expr) IsNumber() *Expr {
	return self.unary("$isNumber")
}

func (self *Expr) IsString() *Expr {
	return self.Type().Eq("string")
}

func (self *Expr) IsArray() *Expr {
	return self.unary("$isArray")
}

func (self *Expr) IsMissing() *Expr {
	return self.Type().Eq("missing")
}

func (self *Expr) IsIn(values ...any) *Expr {
	return self.binary("$in", values)
}

// Conditional operators

// Apply applies the given expression to this expression. Inside `expr`,
// F() refers to this expression's value.
func (self *Expr) Apply(expr *Expr) *Expr {
	freezePrefix(expr, "$$expr")
	return newExpr(map[string]any{
		"$let": map[string]any{
			"vars": map[string]any{"expr": self},
			"in":   expr,
		},
	})
}

// IfElse returns trueExpr or falseExpr depending on this expression,
// which must resolve to a boolean.
func (self *Expr) IfElse(trueExpr any, falseExpr any) *Expr {
	return newExpr(map[string]any{
		"$cond": map[string]any{
			"if":   self,
			"then": trueExpr,
			"else": falseExpr,
		},
	})
}

// Case is one branch of a Switch or Cases expression. Branches are
// evaluated in order.
type Case struct {
	When any
	Then any
}

// Cases compares this expression against each case key and returns the
// matching value, or the default.
func (self *Expr) Cases(cases []Case, defaultVal any) *Expr {
	switchCases := make([]Case, len(cases))
	for i, c := range cases {
		switchCases[i] = Case{
			When: F().Eq(c.When),
			Then: c.Then,
		}
	}
	return self.Switch(switchCases, defaultVal)
}

// Switch applies each case predicate to this expression and returns the
// value of the first predicate that matches, or the default.
func (self *Expr) Switch(cases []Case, defaultVal any) *Expr {
	branches := []any{}
	for _, c := range cases {
		freezePrefix(c.When, "$$expr")
		branches = append(branches, map[string]any{
			"case": c.When,
			"then": c.Then,
		})
	}
	sw := map[string]any{"branches": branches}
	if defaultVal != nil {
		sw["default"] = defaultVal
	}
	return newExpr(map[string]any{
		"$let": map[string]any{
			"vars": map[string]any{"expr": self},
			"in":   map[string]any{"$switch": sw},
		},
	})
}

// MapValues replaces this expression with the corresponding value in the
// mapping, if present as a key. Keys are serialized in sorted order.
func (self *Expr) MapValues(mapping map[string]any) *Expr {
	keys := maps.Keys(mapping)
	slices.Sort(keys)
	values := make([]any, len(keys))
	for i, key := range keys {
		values[i] = mapping[key]
	}
	return newExpr(map[string]any{
		"$let": map[string]any{
			"vars": map[string]any{
				"this":   self,
				"keys":   keys,
				"values": values,
			},
			"in": map[string]any{
				"$cond": []any{
					map[string]any{"$in": []any{"$$this", "$$keys"}},
					map[string]any{
						"$arrayElemAt": []any{
							"$$values",
							map[string]any{"$indexOfArray": []any{"$$keys", "$$this"}},
						},
					},
					"$$this",
				},
			},
		},
	})
}

// SetField sets the field or "embedded.field.name" of this expression,
// which must resolve to a document, to the given value or expression.
func (self *Expr) SetField(field string, valueOrExpr any) *Expr {
	var value any
	if expr, ok := valueOrExpr.(*Expr); ok && !expr.frozen {
		value = self.Apply(expr)
	} else {
		value = valueOrExpr
	}

	field = "$$expr." + field
	var expr any = value
	chunks := strings.Split(field, ".")
	for idx := 1; idx < len(chunks); idx++ {
		chunk := chunks[len(chunks)-idx]
		expr = map[string]any{
			"$mergeObjects": []any{
				strings.Join(chunks[0:len(chunks)-idx], "."),
				map[string]any{chunk: expr},
			},
		}
	}

	return self.letIn(newExpr(expr), "expr")
}

// LetIn returns an equivalent expression where this expression is
// defined as a variable used wherever necessary in the given expression,
// avoiding duplicate computation in the final pipeline.
func (self *Expr) LetIn(expr *Expr) *Expr {
	if self.kind != valueExpr {
		return expr
	}
	return self.letIn(expr, "expr")
}

func (self *Expr) letIn(expr *Expr, varName string) *Expr {
	selfExpr := F("$$" + varName)
	inExpr := applyMemo(expr, self, selfExpr)
	return newExpr(map[string]any{
		"$let": map[string]any{
			"vars": map[string]any{varName: self},
			"in":   inExpr,
		},
	})
}

// Min returns the minimum of this array expression, or of this
// expression and the given value. Missing or null values are ignored.
func (self *Expr) Min(value ...any) *Expr {
	if 0 < len(value) {
		return self.binary("$min", value[0])
	}
	return self.unary("$min")
}

// Max returns the maximum of this array expression, or of this
// expression and the given value. Missing or null values are ignored.
func (self *Expr) Max(value ...any) *Expr {
	if 0 < len(value) {
		return self.binary("$max", value[0])
	}
	return self.unary("$max")
}

// Array operators

// At returns the element of this array expression at the given index.
// Negative indexes count from the end.
func (self *Expr) At(idx any) *Expr {
	return newExpr(map[string]any{"$arrayElemAt": []any{self, idx}})
}

// SliceTo returns the first `stop` elements, or drops the last `-stop`
// elements when `stop` is negative.
func (self *Expr) SliceTo(stop int) *Expr {
	if stop < 0 {
		n := newExpr(map[string]any{"$add": []any{self.Length(), stop}})
		expr := newExpr(map[string]any{"$slice": []any{self, n}})
		return self.LetIn(expr)
	}
	return newExpr(map[string]any{"$slice": []any{self, stop}})
}

// SliceFrom returns the elements from `start` on. Negative starts count
// from the end.
func (self *Expr) SliceFrom(start int) *Expr {
	n := self.Length()
	var position any = start
	if start < 0 {
		position = newExpr(map[string]any{"$add": []any{start, self.Length()}})
	}
	expr := newExpr(map[string]any{"$slice": []any{self, position, n}})
	return self.LetIn(expr)
}

// Slice returns the elements in [start, stop).
func (self *Expr) Slice(start int, stop int) *Expr {
	n := stop - start
	if n < 0 {
		return Literal([]any{})
	}
	if start < 0 {
		position := newExpr(map[string]any{"$add": []any{start, self.Length()}})
		expr := newExpr(map[string]any{"$slice": []any{self, position, n}})
		return self.LetIn(expr)
	}
	return newExpr(map[string]any{"$slice": []any{self, start, n}})
}

// Length computes the length of this array expression. Null or missing
// values have length zero.
func (self *Expr) Length() *Expr {
	return newExpr(map[string]any{"$size": map[string]any{"$ifNull": []any{self, []any{}}}})
}

// Contains checks whether the given value is in this array expression.
func (self *Expr) Contains(value any) *Expr {
	return newExpr(map[string]any{"$in": []any{value, self}})
}

func (self *Expr) Reverse() *Expr {
	return self.unary("$reverseArray")
}

// Sort sorts this array expression. If `key` is provided, the array must
// contain documents, which are sorted by the given field or embedded
// field.
func (self *Expr) Sort(key string, reverse bool) *Expr {
	comp := ""
	if key != "" {
		comp = fmt.Sprintf("(a, b) => a.%s - b.%s", key, key)
	}
	rev := ""
	if reverse {
		rev = ".reverse()"
	}
	sortFcn := fmt.Sprintf("function(array) { array.sort(%s)%s; return array; }", comp, rev)
	sortFcn = strings.Join(strings.Fields(sortFcn), " ")

	return newExpr(map[string]any{
		"$function": map[string]any{
			"body": sortFcn,
			"args": []any{self},
			"lang": "js",
		},
	})
}

// Filter returns the elements of this array expression for which `expr`
// returns true. Inside `expr`, F() refers to the current element.
func (self *Expr) Filter(expr *Expr) *Expr {
	freezePrefix(expr, "$$this")
	return newExpr(map[string]any{
		"$filter": map[string]any{
			"input": self,
			"cond":  expr,
		},
	})
}

// Map applies `expr` to the elements of this array expression. Inside
// `expr`, F() refers to the current element.
func (self *Expr) Map(expr *Expr) *Expr {
	freezePrefix(expr, "$$this")
	return newExpr(map[string]any{
		"$map": map[string]any{
			"input": self,
			"as":    "this",
			"in":    expr,
		},
	})
}

func (self *Expr) Prepend(value any) *Expr {
	return newExpr([]any{value}).Extend(self)
}

func (self *Expr) Append(value any) *Expr {
	return self.Extend([]any{value})
}

// Insert inserts the value before the given index in this array
// expression.
func (self *Expr) Insert(index int, value any) *Expr {
	expr := self.SliceTo(index).Extend([]any{value}, self.SliceFrom(index))
	return self.LetIn(expr)
}

// Extend concatenates the given arrays or array expressions to this
// array expression.
func (self *Expr) Extend(args ...any) *Expr {
	concat := []any{self}
	concat = append(concat, args...)
	return newExpr(map[string]any{"$concatArrays": concat})
}

func (self *Expr) Sum() *Expr {
	return self.unary("$sum")
}

func (self *Expr) Mean() *Expr {
	return self.unary("$avg")
}

// Reduce applies the given reduction to this array expression. Inside
// `expr`, F() refers to the current element and Value() to the
// accumulated value.
func (self *Expr) Reduce(expr *Expr, initVal any) *Expr {
	freezePrefix(expr, "$$this")
	return newExpr(map[string]any{
		"$reduce": map[string]any{
			"input":        self,
			"initialValue": initVal,
			"in":           expr,
		},
	})
}

// Join joins the elements of this array expression, which must resolve
// to an array of strings, by the given delimiter.
func (self *Expr) Join(delimiter any) *Expr {
	return self.Reduce(Value().Concat(delimiter, F()), "")
}

// String operators

// Substr extracts the substring of length `count` starting at `start`.
// A negative start counts from the end of the string; a negative count
// takes the rest of the string.
func (self *Expr) Substr(start int, count int) *Expr {
	var position any = start
	if start < 0 {
		position = newExpr(map[string]any{"$add": []any{start, self.Strlen()}})
	}
	expr := newExpr(map[string]any{"$substrBytes": []any{self, position, count}})
	return self.LetIn(expr)
}

// Strlen computes the length of this string expression. Null or missing
// values have length zero.
func (self *Expr) Strlen() *Expr {
	return newExpr(map[string]any{"$strLenBytes": map[string]any{"$ifNull": []any{self, ""}}})
}

func (self *Expr) Lower() *Expr {
	return self.unary("$toLower")
}

func (self *Expr) Upper() *Expr {
	return self.unary("$toUpper")
}

func (self *Expr) Concat(args ...any) *Expr {
	concat := []any{self}
	concat = append(concat, args...)
	return newExpr(map[string]any{"$concat": concat})
}

// Strip removes whitespace, or the given characters, from both ends of
// this string expression.
func (self *Expr) Strip(chars ...any) *Expr {
	return self.trim("$trim", chars)
}

func (self *Expr) LStrip(chars ...any) *Expr {
	return self.trim("$ltrim", chars)
}

func (self *Expr) RStrip(chars ...any) *Expr {
	return self.trim("$rtrim", chars)
}

func (self *Expr) trim(op string, chars []any) *Expr {
	trim := map[string]any{"input": self}
	if 0 < len(chars) {
		trim["chars"] = chars[0]
	}
	return newExpr(map[string]any{op: trim})
}

// Replace replaces all occurrences of `old` with `replacement` in this
// string expression.
func (self *Expr) Replace(old any, replacement any) *Expr {
	return newExpr(map[string]any{
		"$replaceAll": map[string]any{
			"input":       self,
			"find":        old,
			"replacement": replacement,
		},
	})
}

// ReMatch performs a regular expression pattern match on this string
// expression. The pattern must be a Perl Compatible Regular Expression.
func (self *Expr) ReMatch(regex string, options string) *Expr {
	var opts any
	if options != "" {
		opts = options
	}
	return newExpr(map[string]any{
		"$regexMatch": map[string]any{
			"input":   self,
			"regex":   regex,
			"options": opts,
		},
	})
}

// StartsWith determines whether this string expression starts with the
// given string, or any of the given strings.
func (self *Expr) StartsWith(strOrStrs any, caseSensitive bool) *Expr {
	return self.ReMatch(matchRegex(strOrStrs, "^", ""), matchOptions(caseSensitive))
}

// EndsWith determines whether this string expression ends with the given
// string, or any of the given strings.
func (self *Expr) EndsWith(strOrStrs any, caseSensitive bool) *Expr {
	return self.ReMatch(matchRegex(strOrStrs, "", "$"), matchOptions(caseSensitive))
}

// ContainsStr determines whether this string expression contains the
// given string, or any of the given strings.
func (self *Expr) ContainsStr(strOrStrs any, caseSensitive bool) *Expr {
	return self.ReMatch(matchRegex(strOrStrs, "", ""), matchOptions(caseSensitive))
}

// MatchesStr determines whether this string expression exactly matches
// the given string, or any of the given strings.
func (self *Expr) MatchesStr(strOrStrs any, caseSensitive bool) *Expr {
	return self.ReMatch(matchRegex(strOrStrs, "^", "$"), matchOptions(caseSensitive))
}

// Split splits this string expression by the given delimiter.
func (self *Expr) Split(delimiter any) *Expr {
	return newExpr(map[string]any{"$split": []any{self, delimiter}})
}

// SplitN splits this string expression by the given delimiter, at most
// `maxsplit` times from the beginning.
func (self *Expr) SplitN(delimiter any, maxsplit int) *Expr {
	if maxsplit <= 0 {
		return newExpr([]any{self})
	}
	splitExpr := self.Split(delimiter)
	maxsplitExpr := splitExpr.Length().Gt(maxsplit + 1).IfElse(
		splitExpr.SliceTo(maxsplit).Append(splitExpr.SliceFrom(maxsplit).Join(delimiter)),
		splitExpr,
	)
	return splitExpr.LetIn(maxsplitExpr)
}

// RSplitN splits this string expression by the given delimiter, at most
// `maxsplit` times from the end.
func (self *Expr) RSplitN(delimiter any, maxsplit int) *Expr {
	if maxsplit <= 0 {
		return newExpr([]any{self})
	}
	splitExpr := self.Split(delimiter)
	maxsplitExpr := splitExpr.Length().Gt(maxsplit + 1).IfElse(
		splitExpr.SliceFrom(-maxsplit).Prepend(splitExpr.SliceTo(-maxsplit).Join(delimiter)),
		splitExpr,
	)
	return splitExpr.LetIn(maxsplitExpr)
}

// must escape characters with special meaning inside the [] used in the
// replacement regex
var regexChars = regexp.MustCompile(`([\[\]{}()*+\-?.,\\^$|#])`)

func escapeRegexChars(s string) string {
	return regexChars.ReplaceAllString(s, `\$1`)
}

func matchRegex(strOrStrs any, head string, tail string) string {
	switch v := strOrStrs.(type) {
	case string:
		return head + escapeRegexChars(v) + tail
	case []string:
		escaped := make([]string, len(v))
		for i, s := range v {
			escaped[i] = escapeRegexChars(s)
		}
		return head + "(" + strings.Join(escaped, "|") + ")" + tail
	default:
		panic(fmt.Sprintf("expected string or []string, got %T", strOrStrs))
	}
}

func matchOptions(caseSensitive bool) string {
	if caseSensitive {
		return ""
	}
	return "i"
}

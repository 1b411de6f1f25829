package matcher

import (
	"testing"

	"github.com/syncrouter/syncrouter/internal/value"
)

func mustDoc(t *testing.T, data string) *value.Document {
	t.Helper()
	doc, err := value.DecodeDocument([]byte(data))
	if err != nil {
		t.Fatalf("DecodeDocument(%s): %v", data, err)
	}
	return doc
}

type matchCase struct {
	selector string
	document string
	want     bool
}

func runMatchCases(t *testing.T, cases []matchCase) {
	t.Helper()
	for _, tc := range cases {
		m, err := Compile(mustDoc(t, tc.selector))
		if err != nil {
			t.Errorf("Compile(%s): %v", tc.selector, err)
			continue
		}
		if got := m.Matches(mustDoc(t, tc.document)); got != tc.want {
			t.Errorf("%s against %s = %v, want %v", tc.selector, tc.document, got, tc.want)
		}
	}
}

func runCompileFailures(t *testing.T, selectors []string) {
	t.Helper()
	for _, selector := range selectors {
		if _, err := Compile(mustDoc(t, selector)); err == nil {
			t.Errorf("Compile(%s) should fail", selector)
		}
	}
}

func TestLiterals(t *testing.T) {
	runMatchCases(t, []matchCase{
		// Empty selector.
		{`{}`, `{}`, true},
		{`{}`, `{"a":null}`, true},

		// Booleans.
		{`{"a":true}`, `{}`, false},
		{`{"a":true}`, `{"a":true}`, true},
		{`{"a":false}`, `{"a":true}`, false},
		{`{"a":true}`, `{"a":false}`, false},
		{`{"a":false}`, `{"a":false}`, true},

		// Null matches both absence and null.
		{`{"a":null}`, `{}`, true},
		{`{"a":null}`, `{"a":null}`, true},
		{`{"a":null}`, `{"a":[null]}`, true},
		{`{"a":null}`, `{"a":1}`, false},

		// Numbers, with array branching.
		{`{"a":1}`, `{}`, false},
		{`{"a":1}`, `{"a":2}`, false},
		{`{"a":1}`, `{"a":1}`, true},
		{`{"a":1}`, `{"b":1}`, false},
		{`{"a":1,"b":2}`, `{"a":1}`, false},
		{`{"a":1,"b":2}`, `{"a":2,"b":1}`, false},
		{`{"a":1,"b":2}`, `{"a":1,"b":2}`, true},
		{`{"a":1}`, `{"a":[]}`, false},
		{`{"a":1}`, `{"a":["bar"]}`, false},
		{`{"a":1}`, `{"a":[1]}`, true},
		{`{"a":1}`, `{"a":[1,"bar"]}`, true},
		{`{"a":1}`, `{"a":["bar",1]}`, true},

		// Strings.
		{`{"a":"foo"}`, `{"a":"foo"}`, true},
		{`{"a":"foo"}`, `{"a":"bar"}`, false},
		{`{"a":"foo"}`, `{"a":["foo","bar"]}`, true},
		{`{"a":"foo"}`, `{"a":[]}`, false},

		// Tagged dates compare by value.
		{`{"a":{"$date":0}}`, `{"a":{"$date":0}}`, true},
		{`{"a":{"$date":0}}`, `{"a":{"$date":1}}`, false},
	})
}

func TestNestedPaths(t *testing.T) {
	runMatchCases(t, []matchCase{
		{`{"a.b":1}`, `{"a":{"b":1}}`, true},
		{`{"a.b":1}`, `{"a":{"b":2}}`, false},
		{`{"a.b":[1,2,3]}`, `{"a":{"b":[1,2,3]}}`, true},
		{`{"a.b":[1,2,3]}`, `{"a":{"b":[4]}}`, false},
		{`{"a.b.c":null}`, `{}`, true},
		{`{"a.b.c":null}`, `{"a":1}`, true},
		{`{"a.b":null}`, `{"a":1}`, true},
		{`{"a.b.c":null}`, `{"a":{"b":4}}`, true},
		{`{"a.b":null}`, `{"a":[1]}`, false},
		{`{"a.b":[]}`, `{"a":{"b":[]}}`, true},
		{`{"a.b":1}`, `{"a":[{"b":1},2,{},{"b":[3,4]}]}`, true},
		{`{"a.b":[3,4]}`, `{"a":[{"b":1},2,{},{"b":[3,4]}]}`, true},
		{`{"a.b":3}`, `{"a":[{"b":1},2,{},{"b":[3,4]}]}`, true},
		{`{"a.b":4}`, `{"a":[{"b":1},2,{},{"b":[3,4]}]}`, true},
		{`{"a.b":null}`, `{"a":[{"b":1},2,{},{"b":[3,4]}]}`, true},
		{`{"a.1":8}`, `{"a":[7,8,9]}`, true},
		{`{"a.1":7}`, `{"a":[7,8,9]}`, false},
		{`{"a.1":null}`, `{"a":[7,8,9]}`, false},
		{`{"a.1":[8,9]}`, `{"a":[7,[8,9]]}`, true},
		{`{"a.1":6}`, `{"a":[[6,7],[8,9]]}`, false},
		{`{"a.1":7}`, `{"a":[[6,7],[8,9]]}`, false},
		{`{"a.1":8}`, `{"a":[[6,7],[8,9]]}`, false},
		{`{"a.1":9}`, `{"a":[[6,7],[8,9]]}`, false},
		{`{"a.1":2}`, `{"a":[0,{"1":2},3]}`, true},
		{`{"a.1":{"1":2}}`, `{"a":[0,{"1":2},3]}`, true},
		{`{"x.1.y":8}`, `{"x":[7,{"y":8},9]}`, true},
		{`{"x.1.y":null}`, `{"x":[7,{"y":8},9]}`, true},
		{`{"a.1.b":9}`, `{"a":[7,{"b":9},{"1":{"b":"foo"}}]}`, true},
		{`{"a.1.b":"foo"}`, `{"a":[7,{"b":9},{"1":{"b":"foo"}}]}`, true},
		{`{"a.1.b":null}`, `{"a":[7,{"b":9},{"1":{"b":"foo"}}]}`, true},
		{`{"a.1.b":2}`, `{"a":[1,[{"b":2}],3]}`, true},
		{`{"a.1.b":null}`, `{"a":[1,[{"b":2}],3]}`, false},
		{`{"a.0.b":null}`, `{"a":[5]}`, false},
		{`{"a.1":4}`, `{"a":[{"1":4},5]}`, true},
		{`{"a.1":5}`, `{"a":[{"1":4},5]}`, true},
		{`{"a.1":null}`, `{"a":[{"1":4},5]}`, false},
		{`{"a.1.foo":4}`, `{"a":[{"1":{"foo":4}},{"foo":5}]}`, true},
		{`{"a.1.foo":5}`, `{"a":[{"1":{"foo":4}},{"foo":5}]}`, true},
		{`{"a.1.foo":null}`, `{"a":[{"1":{"foo":4}},{"foo":5}]}`, true},
		{`{"a.b":1}`, `{"x":2}`, false},
		{`{"a.b.c":1}`, `{"a":{"b":{"x":2}}}`, false},
		{`{"a.b.c":1}`, `{"a":{"b":1}}`, false},
		{`{"a.b":{"c":1}}`, `{"a":{"b":{"c":1}}}`, true},
		{`{"a.b":{"c":1}}`, `{"a":{"b":{"c":2}}}`, false},
		{`{"a.b":{"c":1}}`, `{"a":{"b":2}}`, false},
		{`{"a.b":{"c":1,"d":2}}`, `{"a":{"b":{"c":1,"d":2}}}`, true},
		{`{"a.b":{"c":1,"d":2}}`, `{"a":{"b":{"c":1,"d":1}}}`, false},
		{`{"a.b":{"c":1,"d":2}}`, `{"a":{"b":{"d":2}}}`, false},
	})
}

func TestLogicalOperators(t *testing.T) {
	runMatchCases(t, []matchCase{
		{`{"$and":[{"a":1}]}`, `{"a":1}`, true},
		{`{"$and":[{"a":1},{"a":2}]}`, `{"a":1}`, false},
		{`{"$and":[{"a":1},{"b":1}]}`, `{"a":1}`, false},
		{`{"$and":[{"a":1},{"b":2}]}`, `{"a":1,"b":2}`, true},
		{`{"$and":[{"a":1},{"b":2}],"c":3}`, `{"a":1,"b":2,"c":3}`, true},
		{`{"$and":[{"a":1},{"b":2}],"c":4}`, `{"a":1,"b":2,"c":3}`, false},

		{`{"$or":[{"a":1}]}`, `{"a":1}`, true},
		{`{"$or":[{"b":2}]}`, `{"a":1}`, false},
		{`{"$or":[{"a":1},{"b":2}]}`, `{"a":1}`, true},
		{`{"$or":[{"c":3},{"d":4}]}`, `{"a":1}`, false},
		{`{"$or":[{"a":1},{"b":2}]}`, `{"a":[1,2,3]}`, true},
		{`{"$or":[{"a":1},{"b":2}]}`, `{"c":[1,2,3]}`, false},
		{`{"$or":[{"a":1},{"b":2}]}`, `{"a":[2,3,4]}`, false},
		{`{"$or":[{"a":1},{"a":2}],"b":2}`, `{"a":1,"b":2}`, true},
		{`{"$or":[{"a":2},{"a":3}],"b":2}`, `{"a":1,"b":2}`, false},
		{`{"x":1,"$or":[{"a":1},{"b":1}]}`, `{"x":1,"b":1}`, true},
		{`{"x":1,"$or":[{"a":1},{"b":1}]}`, `{"b":1}`, false},
		{`{"x":1,"$or":[{"a":1},{"b":1}]}`, `{"x":1}`, false},

		{`{"$nor":[{"a":1}]}`, `{"a":1}`, false},
		{`{"$nor":[{"a":1}]}`, `{"a":2}`, true},
		{`{"$nor":[{"a":1},{"b":2}]}`, `{"a":1}`, false},
		{`{"$nor":[{"a":1},{"b":2}]}`, `{"b":2}`, false},
		{`{"$nor":[{"a":1},{"b":2}]}`, `{"c":3}`, true},

		// $comment is accepted and ignored.
		{`{"a":1,"$comment":"why"}`, `{"a":1}`, true},
	})

	runCompileFailures(t, []string{
		`{"$and":[]}`,
		`{"$or":[]}`,
		`{"$nor":[]}`,
		`{"$unknown":1}`,
	})
}

func TestComparisonOperators(t *testing.T) {
	runMatchCases(t, []matchCase{
		// $eq.
		{`{"a":{"$eq":1}}`, `{"a":2}`, false},
		{`{"a":{"$eq":2}}`, `{"a":2}`, true},
		{`{"a":{"$eq":[1]}}`, `{"a":[2]}`, false},
		{`{"a":{"$eq":[1,2]}}`, `{"a":[1,2]}`, true},
		{`{"a":{"$eq":1}}`, `{"a":[1,2]}`, true},
		{`{"a":{"$eq":3}}`, `{"a":[1,2]}`, false},
		{`{"a":{"$eq":{"x":1}}}`, `{"a":{"x":1}}`, true},
		{`{"a":{"$eq":{"x":1}}}`, `{"a":{"x":1,"y":2}}`, false},
		{`{"a.b":{"$eq":1}}`, `{"a":[{"b":1},{"b":2}]}`, true},
		{`{"a.b":{"$eq":3}}`, `{"a":[{"b":1},{"b":2}]}`, false},

		// $ne.
		{`{"a":{"$ne":1}}`, `{"a":2}`, true},
		{`{"a":{"$ne":2}}`, `{"a":2}`, false},
		{`{"a":{"$ne":[1,2]}}`, `{"a":[1,2]}`, false},
		{`{"a":{"$ne":1}}`, `{"a":[1,2]}`, false},
		{`{"a":{"$ne":3}}`, `{"a":[1,2]}`, true},
		{`{"a":{"$ne":{"x":1}}}`, `{"a":{"x":1,"y":2}}`, true},
		{`{"a.b":{"$ne":1}}`, `{"a":[{"b":1},{"b":2}]}`, false},
		{`{"a.b":{"$ne":3}}`, `{"a":[{"b":1},{"b":2}]}`, true},

		// $gt / $gte / $lt / $lte.
		{`{"a":{"$gt":10}}`, `{"a":11}`, true},
		{`{"a":{"$gt":10}}`, `{"a":10}`, false},
		{`{"a":{"$gt":10}}`, `{"a":9}`, false},
		{`{"a":{"$gt":{"x":[2,3,4]}}}`, `{"a":{"x":[3,3,4]}}`, true},
		{`{"a":{"$gt":{"x":[2,3,4]}}}`, `{"a":{"x":[1,3,4]}}`, false},
		{`{"a":{"$gt":{"x":[2,3,4]}}}`, `{"a":{"x":[2,3,4]}}`, false},
		{`{"a":{"$gt":[2,3]}}`, `{"a":[1,2]}`, false},
		{`{"a":{"$gte":10}}`, `{"a":11}`, true},
		{`{"a":{"$gte":10}}`, `{"a":10}`, true},
		{`{"a":{"$gte":10}}`, `{"a":9}`, false},
		{`{"a":{"$gte":{"x":[2,3,4]}}}`, `{"a":{"x":[2,3,4]}}`, true},
		{`{"a":{"$lt":10}}`, `{"a":9}`, true},
		{`{"a":{"$lt":10}}`, `{"a":10}`, false},
		{`{"a":{"$lt":10}}`, `{"a":[11,9,12]}`, true},
		{`{"a":{"$lt":10}}`, `{"a":[11,12]}`, false},
		{`{"a":{"$lt":"null"}}`, `{"a":null}`, false},
		{`{"a":{"$lte":10}}`, `{"a":10}`, true},
		{`{"a":{"$lte":10}}`, `{"a":11}`, false},
		{`{"a":{"$lt":11,"$gt":9}}`, `{"a":10}`, true},
		{`{"a":{"$lt":11,"$gt":9}}`, `{"a":9}`, false},
		{`{"a":{"$lt":11,"$gt":9}}`, `{"a":[8,9,10,11,12]}`, true},
		{`{"a":{"$lt":11,"$gt":9}}`, `{"a":[8,9,11,12]}`, true},
		{`{"a":{"$ne":5,"$gt":6}}`, `{"a":[2,10]}`, true},
		{`{"a":{"$ne":5,"$gt":6}}`, `{"a":[2,4]}`, false},
		{`{"a":{"$ne":5,"$gt":6}}`, `{"a":[10,5]}`, false},
		{`{"a.b":{"$ne":5,"$gt":6}}`, `{"a":[{"b":2},{"b":10}]}`, true},
		{`{"a.b":{"$ne":5,"$gt":6}}`, `{"a":[{"b":10},{"b":5}]}`, false},

		// Dates order like their timestamps.
		{`{"a":{"$gt":{"$date":0}}}`, `{"a":{"$date":100}}`, true},
		{`{"a":{"$lt":{"$date":0}}}`, `{"a":{"$date":-100}}`, true},
		{`{"a":{"$gte":{"$date":0}}}`, `{"a":{"$date":-100}}`, false},
	})
}

func TestSetOperators(t *testing.T) {
	runMatchCases(t, []matchCase{
		// $in.
		{`{"a":{"$in":[1,2,3]}}`, `{"a":2}`, true},
		{`{"a":{"$in":[1,2,3]}}`, `{"a":4}`, false},
		{`{"a":{"$in":[[1],[2],[3]]}}`, `{"a":[2]}`, true},
		{`{"a":{"$in":[[1],[2],[3]]}}`, `{"a":[4]}`, false},
		{`{"a":{"$in":[{"b":1},{"b":2}]}}`, `{"a":{"b":2}}`, true},
		{`{"a":{"$in":[1,2,3]}}`, `{"a":[2]}`, true},
		{`{"a":{"$in":[1,2,3]}}`, `{"a":[4,2]}`, true},
		{`{"a":{"$in":[1,2,3]}}`, `{"a":[4]}`, false},
		{`{"a":{"$in":[1,null]}}`, `{}`, true},
		{`{"a":{"$in":[1,null]}}`, `{"a":null}`, true},
		{`{"a.b":{"$in":[1,null]}}`, `{}`, true},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":{}}`, true},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":{"b":null}}`, true},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":{"b":5}}`, false},
		{`{"a.b":{"$in":[1]}}`, `{"a":{}}`, false},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":[{"b":5}]}`, false},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":[{"b":5},{}]}`, true},
		{`{"a.b":{"$in":[1,null]}}`, `{"a":[{"b":5},[]]}`, false},
		{`{"a.b":{"$in":[1,2,3]}}`, `{"a":{"b":[4,2]}}`, true},
		{`{"a.b":{"$in":[1,2,3]}}`, `{"a":{"b":[4]}}`, false},
		{`{"$and":[{"a":{"$in":[]}}]}`, `{}`, false},

		// $nin.
		{`{"a":{"$nin":[1,2,3]}}`, `{"a":2}`, false},
		{`{"a":{"$nin":[1,2,3]}}`, `{"a":4}`, true},
		{`{"a":{"$nin":[1,2,3]}}`, `{"a":[2]}`, false},
		{`{"a":{"$nin":[1,2,3]}}`, `{"a":[4]}`, true},
		{`{"a":{"$nin":[1,null]}}`, `{}`, false},
		{`{"a.b":{"$nin":[1,null]}}`, `{"a":[{"b":5}]}`, true},
		{`{"a.b":{"$nin":[1,null]}}`, `{"a":[{"b":5},{}]}`, false},
		{`{"a.b":{"$nin":[1]}}`, `{"a":{}}`, true},

		// $all.
		{`{"a":{"$all":[1,2]}}`, `{"a":[1,2,3]}`, true},
		{`{"a":{"$all":[1,2]}}`, `{"a":[1,3]}`, false},
		{`{"a":{"$all":[1]}}`, `{"a":1}`, true},
		{`{"a":{"$all":[1,2]}}`, `{}`, false},
	})

	runCompileFailures(t, []string{
		`{"a":{"$all":[]}}`,
		`{"a":{"$all":1}}`,
		`{"a":{"$in":1}}`,
		`{"a":{"$in":[{"$gt":1}]}}`,
	})
}

func TestElementOperators(t *testing.T) {
	runMatchCases(t, []matchCase{
		// $exists.
		{`{"a":{"$exists":true}}`, `{"a":12}`, true},
		{`{"a":{"$exists":true}}`, `{"b":12}`, false},
		{`{"a":{"$exists":false}}`, `{"a":12}`, false},
		{`{"a":{"$exists":false}}`, `{"b":12}`, true},
		{`{"a":{"$exists":true}}`, `{"a":[]}`, true},
		{`{"a":{"$exists":false}}`, `{"a":[]}`, false},
		{`{"a.x":{"$exists":false}}`, `{"a":[{},{"x":5}]}`, false},
		{`{"a.x":{"$exists":true}}`, `{"a":[{},{"x":5}]}`, true},
		{`{"a.x":{"$exists":true}}`, `{"a":{"x":[]}}`, true},
		{`{"a.x":{"$exists":true}}`, `{"a":{"x":null}}`, true},

		// $size.
		{`{"a":{"$size":0}}`, `{"a":[]}`, true},
		{`{"a":{"$size":1}}`, `{"a":[2]}`, true},
		{`{"a":{"$size":2}}`, `{"a":[2,2]}`, true},
		{`{"a":{"$size":0}}`, `{"a":[2]}`, false},
		{`{"a":{"$size":1}}`, `{"a":[]}`, false},
		{`{"a":{"$size":1}}`, `{"a":[2,2]}`, false},
		{`{"a":{"$size":0}}`, `{"a":"2"}`, false},
		{`{"a":{"$size":2}}`, `{"a":[[2,2]]}`, false},

		// $type, all numerics collapsing to 1.
		{`{"a":{"$type":1}}`, `{"a":1.5}`, true},
		{`{"a":{"$type":1}}`, `{"a":1}`, true},
		{`{"a":{"$type":"double"}}`, `{"a":1}`, true},
		{`{"a":{"$type":2}}`, `{"a":"x"}`, true},
		{`{"a":{"$type":"string"}}`, `{"a":1}`, false},
		{`{"a":{"$type":3}}`, `{"a":{"b":1}}`, true},
		{`{"a":{"$type":8}}`, `{"a":true}`, true},
		{`{"a":{"$type":10}}`, `{"a":null}`, true},
		{`{"a":{"$type":10}}`, `{}`, false},
		{`{"a":{"$type":9}}`, `{"a":{"$date":0}}`, true},
		// Arrays are typed by their elements, so only a nested array has
		// array type.
		{`{"a":{"$type":4}}`, `{"a":[1]}`, false},
		{`{"a":{"$type":4}}`, `{"a":[[1]]}`, true},
		{`{"a":{"$type":1}}`, `{"a":[1]}`, true},

		// $mod.
		{`{"a":{"$mod":[4,1]}}`, `{"a":5}`, true},
		{`{"a":{"$mod":[4,1]}}`, `{"a":8}`, false},
		{`{"a":{"$mod":[4,1]}}`, `{"a":[5]}`, true},
		{`{"a":{"$mod":[4,1]}}`, `{"a":"5"}`, false},
		{`{"a":{"$mod":[4.2,1.7]}}`, `{"a":5}`, true},
		{`{"a":{"$mod":[0,0]}}`, `{"a":5}`, false},

		// $not.
		{`{"a":{"$not":{"$gt":3}}}`, `{"a":2}`, true},
		{`{"a":{"$not":{"$gt":3}}}`, `{"a":4}`, false},
		{`{"a":{"$not":{"$in":[1,2]}}}`, `{"a":3}`, true},
		{`{"a":{"$not":{"$in":[1,2]}}}`, `{"a":1}`, false},
	})

	runCompileFailures(t, []string{
		`{"a":{"$exists":1}}`,
		`{"a":{"$size":-1}}`,
		`{"a":{"$size":1.5}}`,
		`{"a":{"$type":6}}`,
		`{"a":{"$type":"weird"}}`,
		`{"a":{"$mod":[1]}}`,
		`{"a":{"$mod":[1,2,3]}}`,
	})
}

func TestRegexOperator(t *testing.T) {
	runMatchCases(t, []matchCase{
		{`{"a":{"$regex":"^f"}}`, `{"a":"foo"}`, true},
		{`{"a":{"$regex":"^f"}}`, `{"a":"bar"}`, false},
		{`{"a":{"$regex":"^F"}}`, `{"a":"foo"}`, false},
		{`{"a":{"$regex":"^F","$options":"i"}}`, `{"a":"foo"}`, true},
		{`{"a":{"$regex":"o.b","$options":"s"}}`, "{\"a\":\"o\\nb\"}", true},
		{`{"a":{"$regex":"^b$","$options":"m"}}`, "{\"a\":\"a\\nb\"}", true},
		{`{"a":{"$regex":"f o o","$options":"x"}}`, `{"a":"foo"}`, true},
		{`{"a":{"$regex":"^f"}}`, `{"a":["bar","fog"]}`, true},
		{`{"a":{"$regex":"^f"}}`, `{"a":1}`, false},
		// A stored regex matches when it equals the selector's.
		{`{"a":{"$regex":{"$regexp":"^f","$flags":""}}}`, `{"a":{"$regexp":"^f","$flags":""}}`, true},
	})

	runCompileFailures(t, []string{
		`{"a":{"$regex":"(" }}`,
		`{"a":{"$regex":"a","$options":"z"}}`,
		`{"a":{"$options":"i"}}`,
	})
}

func TestOperatorObjectRejectsMixedKeys(t *testing.T) {
	runCompileFailures(t, []string{
		`{"a":{"$gt":1,"b":2}}`,
	})
}

package ingestion

import (
	"errors"
	"strings"
	"testing"

	"github.com/poiesic/stockpile/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *RecordParser, input string) ([]*core.RawRecord, []error) {
	t.Helper()
	var records []*core.RawRecord
	var errs []error
	for rec, err := range p.Records(strings.NewReader(input)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func TestRecordParser_Records(t *testing.T) {
	p := NewRecordParser(0, nil, nil)

	records, errs := collect(t, p, sampleCatalog+"G2|Baz|Qux|0|0\n")
	require.Empty(t, errs)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, 2, first.Line)
	assert.Equal(t, []string{"id", "title", "description", "price", "count"}, first.Columns)
	v, ok := first.Get("price")
	assert.True(t, ok)
	assert.Equal(t, "9.99", v)
	assert.Equal(t, 3, records[1].Line)
}

func TestRecordParser_RecordCountMatchesRows(t *testing.T) {
	var b strings.Builder
	b.WriteString("id|title|description|price|count\n")
	for i := range 250 {
		b.WriteString("item")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString("|t|d|1|1\n")
	}

	records, errs := collect(t, NewRecordParser('|', nil, nil), b.String())
	require.Empty(t, errs)
	assert.Len(t, records, 250)
}

func TestRecordParser_MalformedRowsAreSkipped(t *testing.T) {
	input := "a|b\n1|2\nonly-one\n3|4\n5|6|7\n8|9\n"
	records, errs := collect(t, NewRecordParser('|', nil, nil), input)

	require.Len(t, records, 3)
	assert.Equal(t, []string{"1", "2"}, records[0].Values)
	assert.Equal(t, []string{"3", "4"}, records[1].Values)
	assert.Equal(t, []string{"8", "9"}, records[2].Values)
	assert.Equal(t, 6, records[2].Line)

	require.Len(t, errs, 2)
	for i, wantLine := range []int{3, 5} {
		var malformed *MalformedRecordError
		require.ErrorAs(t, errs[i], &malformed)
		assert.Equal(t, wantLine, malformed.Line)
		assert.ErrorIs(t, errs[i], core.ErrMalformedRecord)
		assert.Equal(t, core.ErrorKindMalformedRecord, core.ClassifyError(errs[i]))
	}
}

func TestRecordParser_UnterminatedQuoteCostsOneLine(t *testing.T) {
	var b strings.Builder
	b.WriteString("id|title|description|price|count\n")
	b.WriteString("G1|\"Foo|Bar|9.99|3\n")
	for range 1000 {
		b.WriteString("G2|Baz|Qux|1|1\n")
	}

	records, errs := collect(t, NewRecordParser('|', nil, nil), b.String())
	assert.Len(t, records, 1000)
	require.Len(t, errs, 1)

	var malformed *MalformedRecordError
	require.ErrorAs(t, errs[0], &malformed)
	assert.Equal(t, 2, malformed.Line)
	assert.Equal(t, 3, records[0].Line)
	assert.Equal(t, 1002, records[999].Line)
}

func TestRecordParser_BareQuoteInValue(t *testing.T) {
	input := "id|title|description|price|count\nG1|TV|55\" screen|9.99|3\n"
	records, errs := collect(t, NewRecordParser('|', nil, nil), input)
	require.Empty(t, errs)
	require.Len(t, records, 1)
	v, _ := records[0].Get("description")
	assert.Equal(t, `55" screen`, v)
}

func TestRecordParser_LineEndings(t *testing.T) {
	input := "id|title\r\n\r\n1|one\r\n\n2|two"
	records, errs := collect(t, NewRecordParser('|', nil, nil), input)
	require.Empty(t, errs)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"1", "one"}, records[0].Values)
	assert.Equal(t, 3, records[0].Line)
	assert.Equal(t, []string{"2", "two"}, records[1].Values)
	assert.Equal(t, 5, records[1].Line)
}

func TestRecordParser_HeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty stream", input: ""},
		{name: "empty column name", input: "id||price\n1|2|3\n"},
		{name: "duplicate column", input: "id|title|id\n1|2|3\n"},
		{name: "bad quoting", input: "id|\"title\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, errs := collect(t, NewRecordParser('|', nil, nil), tt.input)
			assert.Empty(t, records)
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], ErrHeaderUnreadable)
		})
	}
}

func TestRecordParser_HeaderNormalization(t *testing.T) {
	input := "\ufeff id | title \nA|B\n"
	records, errs := collect(t, NewRecordParser('|', nil, nil), input)
	require.Empty(t, errs)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"id", "title"}, records[0].Columns)
}

func TestRecordParser_HeaderOnly(t *testing.T) {
	records, errs := collect(t, NewRecordParser('|', nil, nil), "id|title\n")
	assert.Empty(t, records)
	assert.Empty(t, errs)
}

func TestRecordParser_QuotedDelimiter(t *testing.T) {
	input := "id|title\n1|\"pipes | inside\"\n"
	records, errs := collect(t, NewRecordParser('|', nil, nil), input)
	require.Empty(t, errs)
	require.Len(t, records, 1)
	v, _ := records[0].Get("title")
	assert.Equal(t, "pipes | inside", v)
}

func TestRecordParser_ParseWith(t *testing.T) {
	p := NewRecordParser('|', nil, nil)
	var got []*core.RawRecord
	for rec, err := range p.ParseWith(strings.NewReader("id,title\n1,one\n2,two\n"), ',') {
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, 2)
	v, _ := got[1].Get("title")
	assert.Equal(t, "two", v)
}

func TestRecordParser_StopsEarly(t *testing.T) {
	r := &countingReader{r: strings.NewReader(sampleCatalog + strings.Repeat("G2|Baz|Qux|0|0\n", 10000))}
	for rec, err := range NewRecordParser('|', nil, nil).Records(r) {
		require.NoError(t, err)
		require.NotNil(t, rec)
		break
	}
	// The reader is buffered, so only a prefix of the input is consumed.
	assert.Less(t, r.n, 100000)
}

func TestRecordParser_ReadErrorEndsSequence(t *testing.T) {
	boom := errors.New("connection reset")
	r := &failingReader{data: sampleCatalog, err: boom}
	var got []error
	count := 0
	for rec, err := range NewRecordParser('|', nil, nil).Records(r) {
		if err != nil {
			got = append(got, err)
			continue
		}
		require.NotNil(t, rec)
		count++
	}
	assert.Equal(t, 1, count)
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], boom)
}

type countingReader struct {
	r *strings.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// failingReader returns data, then err instead of EOF.
type failingReader struct {
	data string
	err  error
	off  int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, f.err
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/elwinar/libtree"
	structmapper "gopkg.in/anexia-it/go-structmapper.v1"
)

type Index interface {
	Close() error
	Delete(uid string) error
	Find(uid string) (libtree.Report, error)
	Index(libtree.Report) error
	Search(q, sort, order string, size, from int) ([]libtree.Report, uint64, error)
}

var (
	ErrNotFound = errors.New(`not found`)
)

type BleveIndex struct {
	// the index is the actual struct we are interfacing with.
	index bleve.Index

	// the mapper is used to convert the Report struct into the
	// map[string]interface{} used internally by the bleve index. Metadata
	// is flattened into meta.x fields so they can be searched on.
	mapper *structmapper.Mapper
}

// compile-time check that the BleveIndex actually implements the Index
// interface.
var _ Index = new(BleveIndex)

func NewBleveIndex(path string) (Index, error) {
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap(err, `checking for index`)
	}

	var index bleve.Index
	if errors.Is(err, os.ErrNotExist) {
		index, err = bleve.New(path, bleve.NewIndexMapping())
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, wrap(err, `opening index`)
	}

	// Initialize the structmapper to use the JSON tag. This avoid having
	// to re-define every field with yet another tag.
	mapper, err := structmapper.NewMapper(structmapper.OptionTagName("json"))
	if err != nil {
		return nil, wrap(err, `initializing mapper`)
	}

	return &BleveIndex{
		index:  index,
		mapper: mapper,
	}, nil
}

func (i *BleveIndex) Close() error {
	return i.index.Close()
}

func (i *BleveIndex) Delete(uid string) error {
	return i.index.Delete(uid)
}

func (i *BleveIndex) Find(uid string) (r libtree.Report, err error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{uid}))
	req.Fields = []string{"*"}

	res, err := i.index.Search(req)
	if err != nil {
		return r, wrap(err, `looking for report`)
	}

	if len(res.Hits) == 0 {
		return r, ErrNotFound
	}

	return decode(res.Hits[0].Fields)
}

func (i *BleveIndex) Index(r libtree.Report) error {
	m, err := i.mapper.ToMap(r)
	if err != nil {
		return wrap(err, `mapping report`)
	}

	// time.Time has no exported field for the mapper to work with.
	m["date"] = r.Date

	delete(m, "metadata")
	for k, v := range r.Metadata {
		m[fmt.Sprintf("meta.%s", k)] = v
	}

	return i.index.Index(r.UID, m)
}

func (i *BleveIndex) Search(q, sort, order string, size, from int) (reports []libtree.Report, total uint64, err error) {
	if order == "desc" {
		sort = "-" + sort
	}

	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(q))
	req.Fields = []string{"*"}
	req.SortBy([]string{sort})
	req.Size = size
	req.From = from

	res, err := i.index.Search(req)
	if err != nil {
		return nil, 0, wrap(err, `searching for reports`)
	}

	reports = []libtree.Report{}
	for _, d := range res.Hits {
		r, err := decode(d.Fields)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, r)
	}

	return reports, res.Total, nil
}

// decode converts the stored fields of a document back into a Report. The
// fields come back with the types bleve stores them with (numbers as floats,
// dates as strings), which the JSON decoder knows how to convert.
func decode(fields map[string]interface{}) (r libtree.Report, err error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return r, wrap(err, `encoding indexed report`)
	}

	err = json.Unmarshal(raw, &r)
	if err != nil {
		return r, wrap(err, `decoding indexed report`)
	}

	r.Metadata = make(map[string]string)
	for k, v := range fields {
		if !strings.HasPrefix(k, "meta.") {
			continue
		}
		if _, ok := v.(string); !ok {
			return r, fmt.Errorf(`unexpected type for metadata value %s in report %s: %T`, k, r.UID, v)
		}
		r.Metadata[strings.TrimPrefix(k, "meta.")] = v.(string)
	}

	return r, nil
}

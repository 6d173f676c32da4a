package internaldata

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ParseRows turns an acquired Source into raw header-keyed rows, ready for
// ApplyMappingToRows. Unlike the legacy (non-mapping) pipeline this never
// interprets column meaning itself — that is entirely the mapping's job.
func ParseRows(src *Source) ([]map[string]interface{}, error) {
	switch src.Format {
	case "csv":
		return parseCSV(src.Bytes)
	case "xlsx", "xlsm":
		return parseXLSX(src.Bytes)
	case "xml":
		return parseXML(src.Bytes)
	default:
		return nil, fmt.Errorf("internaldata: unsupported format %q", src.Format)
	}
}

func parseCSV(b []byte) ([]map[string]interface{}, error) {
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("internaldata: reading csv header: %w", err)
	}

	var rows []map[string]interface{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("internaldata: reading csv row: %w", err)
		}
		rows = append(rows, rowFromRecord(header, record))
	}
	return rows, nil
}

func parseXLSX(b []byte) ([]map[string]interface{}, error) {
	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("internaldata: opening xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("internaldata: xlsx has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("internaldata: reading xlsx sheet %q: %w", sheets[0], err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	var rows []map[string]interface{}
	for _, record := range records[1:] {
		rows = append(rows, rowFromRecord(header, record))
	}
	return rows, nil
}

func rowFromRecord(header, record []string) map[string]interface{} {
	row := make(map[string]interface{}, len(header))
	for i, col := range header {
		if i < len(record) {
			row[col] = record[i]
		} else {
			row[col] = ""
		}
	}
	return row
}

// xmlItem is a generic catch-all element: every attribute and every
// immediate child element's character data becomes one flattened field,
// matching the legacy 1C-style export shape (flat <Item key="..."/> or
// <Item><key>value</key></Item> records under some repeated element name).
type xmlItem struct {
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func parseXML(b []byte) ([]map[string]interface{}, error) {
	decoder := xml.NewDecoder(bytes.NewReader(b))

	var rows []map[string]interface{}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("internaldata: parsing xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !isRowElement(start.Name.Local) {
			continue
		}

		var item xmlItem
		if err := decoder.DecodeElement(&item, &start); err != nil {
			return nil, fmt.Errorf("internaldata: decoding xml element %q: %w", start.Name.Local, err)
		}

		row := make(map[string]interface{}, len(item.Attrs)+len(item.Children))
		for _, a := range item.Attrs {
			row[a.Name.Local] = a.Value
		}
		for _, c := range item.Children {
			row[c.XMLName.Local] = c.Value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isRowElement(name string) bool {
	switch name {
	case "Item", "Offer", "Row", "item", "offer", "row":
		return true
	default:
		return false
	}
}

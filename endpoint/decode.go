package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// defaultFieldLimit is the maximum byte length of a decoded value when a
// field has no maxLength tag.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the
// request.
//
// Supported structtags:
//   - `body:"[,json]"`: the raw request body. []byte and string fields get the
//     bytes as-is; other types, or the json flag, decode the body as JSON and
//     require a JSON content type.
//   - `header:"name"`: request header values, canonicalized.
//   - `query:"name"`: URL query values.
//   - `maxLength:"n"`: maximum byte length of each value. Without it a limit
//     of 16KB applies; `maxLength:""` or `maxLength:"0"` means no limit.
//
// Slice fields (other than []byte) receive every value of a header or query
// parameter. Fields whose source has no data are left unchanged. Untagged
// fields are ignored.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	t := root.Type()
	bodySeen := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok, err := parseSourceTag(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if !ok {
			continue
		}
		if tag.Source == "body" {
			if bodySeen != "" {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodySeen, sf.Name))
			}
			bodySeen = sf.Name
		}

		values, present, err := fetch(r, tag)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		for _, val := range values {
			if tag.MaxLength > 0 && len(val) > tag.MaxLength {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, sf.Name, tag.MaxLength))
			}
		}
		if err := setField(root.Field(i), values, tag.JSON); err != nil {
			return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, sf.Name, err))
		}
	}
	return nil
}

type sourceTag struct {
	Source    string
	Name      string
	JSON      bool
	MaxLength int
}

var sources = []string{"body", "header", "query"}

func parseSourceTag(sf reflect.StructField) (sourceTag, bool, error) {
	var tag sourceTag
	found := false
	for _, src := range sources {
		val, has := sf.Tag.Lookup(src)
		if !has {
			continue
		}
		if found {
			return sourceTag{}, false, fmt.Errorf("tags %s and %s are exclusive", tag.Source, src)
		}
		found = true
		parts := strings.Split(val, ",")
		tag = sourceTag{Source: src, Name: strings.TrimSpace(parts[0])}
		if tag.Name == "" {
			tag.Name = strings.ToLower(sf.Name)
		}
		for _, p := range parts[1:] {
			switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
			case "":
			case "json":
				tag.JSON = true
			default:
				return sourceTag{}, false, fmt.Errorf("unknown %s tag flag %q", src, flag)
			}
		}
	}
	if !found || tag.Name == "-" {
		return sourceTag{}, false, nil
	}

	tag.MaxLength = defaultFieldLimit
	if val, has := sf.Tag.Lookup("maxLength"); has {
		val = strings.TrimSpace(val)
		n := 0
		if val != "" {
			var err error
			if n, err = strconv.Atoi(val); err != nil || n < 0 {
				return sourceTag{}, false, fmt.Errorf("maxLength: invalid value %q", val)
			}
		}
		tag.MaxLength = n
	}

	if tag.Source == "body" && !tag.JSON {
		ft := sf.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		isStringOrBytes := ft.Kind() == reflect.String || (ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Uint8)
		tag.JSON = !isStringOrBytes
	}
	return tag, true, nil
}

func fetch(r *http.Request, tag sourceTag) ([][]byte, bool, error) {
	var values []string
	switch tag.Source {
	case "body":
		if r.Body == nil || r.Body == http.NoBody {
			return nil, false, nil
		}
		if tag.JSON && !requestBodyIsJSON(r) {
			mt := requestBodyMediaType(r)
			if mt == "" {
				mt = "(missing)"
			}
			return nil, false, newEndpointError(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
		}
		body := io.Reader(r.Body)
		if tag.MaxLength > 0 {
			// Read one byte past the limit so oversize bodies are detected.
			body = io.LimitReader(r.Body, int64(tag.MaxLength)+1)
		}
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		return [][]byte{b}, true, nil
	case "header":
		// Access the map directly to tell present-but-empty from missing.
		values = r.Header[http.CanonicalHeaderKey(tag.Name)]
	case "query":
		if r.URL != nil {
			values = r.URL.Query()[tag.Name]
		}
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	out := make([][]byte, len(values))
	for i, s := range values {
		out[i] = []byte(s)
	}
	return out, true, nil
}

func requestBodyIsJSON(r *http.Request) bool {
	mt := requestBodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

func setField(v reflect.Value, values [][]byte, asJSON bool) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if asJSON {
		return json.NewDecoder(bytes.NewReader(values[0])).Decode(v.Addr().Interface())
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, val); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromBytes(v, values[0])
}

func setFieldFromBytes(v reflect.Value, b []byte) error {
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText(b)
		}
	}

	s := string(b)
	switch v.Kind() {
	case reflect.Slice:
		v.SetBytes(bytes.Clone(b))
		return nil
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Type() == reflect.TypeFor[time.Duration]() {
			d, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			v.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	}
	return fmt.Errorf("unsupported kind %s", v.Kind())
}

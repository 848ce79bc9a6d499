package endpoint

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a decoded field value when no maxLength tag is set.
const defaultFieldLimit = 16 * 1024

// sources in precedence order.
var sources = []string{"path", "query", "header", "cookie"}

// Unmarshal fills the struct pointed to by dst from r.
//
// Fields are bound with tags of the form `source:"name[,flag]"` where source
// is one of path, query, header or cookie. The first source with a value
// wins, in that order. An empty name defaults to the lowercased field name;
// "-" skips the field. Supported field kinds are string, bool, integers,
// []string, and []byte with a base64 or base64url flag (raw bytes otherwise).
//
// `maxLength:"n"` bounds the raw value length; the default is 16KB and 0
// disables the bound. Violations and parse failures are 400 errors.
// Untagged and unexported fields are ignored.
func Unmarshal(r *http.Request, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	v = v.Elem()
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return decodeStruct(r, v)
}

func decodeStruct(r *http.Request, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := v.Field(i)
		if sf.Anonymous && fv.Kind() == reflect.Struct {
			if err := decodeStruct(r, fv); err != nil {
				return err
			}
			continue
		}
		values, flag, found := lookup(r, sf)
		if !found {
			continue
		}
		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", err)
		}
		for _, s := range values {
			if limit > 0 && len(s) > limit {
				return Error(http.StatusBadRequest, fmt.Sprintf("%s exceeds maximum length", sf.Name), nil)
			}
		}
		if err := setField(fv, values, flag); err != nil {
			return Error(http.StatusBadRequest, fmt.Sprintf("invalid %s", sf.Name), err)
		}
	}
	return nil
}

func lookup(r *http.Request, sf reflect.StructField) (values []string, flag string, found bool) {
	for _, src := range sources {
		tag, ok := sf.Tag.Lookup(src)
		if !ok || tag == "-" {
			continue
		}
		name, flag, _ := strings.Cut(tag, ",")
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		switch src {
		case "path":
			if s := r.PathValue(name); s != "" {
				return []string{s}, flag, true
			}
		case "query":
			if vs, ok := r.URL.Query()[name]; ok {
				return vs, flag, true
			}
		case "header":
			if vs := r.Header.Values(name); len(vs) > 0 {
				return vs, flag, true
			}
		case "cookie":
			if c, err := r.Cookie(name); err == nil {
				return []string{c.Value}, flag, true
			}
		}
	}
	return nil, "", false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: bad maxLength %q on %s", tag, sf.Name)
	}
	return n, nil
}

var byteSliceType = reflect.TypeOf([]byte(nil))

func setField(fv reflect.Value, values []string, flag string) error {
	if fv.Type() == byteSliceType {
		b, err := decodeBytes(values[0], flag)
		if err != nil {
			return err
		}
		fv.SetBytes(b)
		return nil
	}
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String {
		fv.Set(reflect.ValueOf(append([]string(nil), values...)).Convert(fv.Type()))
		return nil
	}

	s := values[0]
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}

func decodeBytes(s, flag string) ([]byte, error) {
	switch flag {
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	case "base64url":
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	case "":
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("unknown encoding flag %q", flag)
	}
}

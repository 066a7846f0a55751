package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/foundry/internal/model"
)

// idList collects protocol ids given as comma lists, repeated flags or both.
type idList []int64

func (l *idList) String() string {
	parts := make([]string, len(*l))
	for i, id := range *l {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (l *idList) Set(v string) error {
	ids, err := parseIDs(strings.Split(v, ","))
	if err != nil {
		return err
	}
	*l = append(*l, ids...)
	return nil
}

// parseIDs parses protocol ids, skipping empty items.
func parseIDs(items []string) ([]int64, error) {
	var ids []int64
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid protocol id %q", item)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// intList collects GPU ids.
type intList []int

func (l *intList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(v string) error {
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n, err := strconv.Atoi(item)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid gpu id %q", item)
		}
		*l = append(*l, n)
	}
	return nil
}

// pairs collects key=value flags.
type pairs map[string]string

func (p pairs) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p pairs) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[k] = val
	return nil
}

// inputFlags collects name=pointer flags. A pointer is a protocol id ("7"),
// a named output of a protocol ("7:outputSet") or an object id ("#12").
type inputFlags map[string]model.Pointer

func (f inputFlags) String() string {
	parts := make([]string, 0, len(f))
	for name, ptr := range f {
		parts = append(parts, name+"="+ptr.String())
	}
	return strings.Join(parts, ",")
}

func (f inputFlags) Set(v string) error {
	name, ref, ok := strings.Cut(v, "=")
	if !ok || name == "" || ref == "" {
		return fmt.Errorf("expected name=pointer, got %q", v)
	}
	ptr, err := parsePointer(ref)
	if err != nil {
		return fmt.Errorf("input %s: %w", name, err)
	}
	f[name] = ptr
	return nil
}

func parsePointer(ref string) (model.Pointer, error) {
	if rest, ok := strings.CutPrefix(ref, "#"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return model.Pointer{}, fmt.Errorf("invalid object id %q", rest)
		}
		return model.LegacyRef(id), nil
	}
	idPart, path, extended := strings.Cut(ref, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return model.Pointer{}, fmt.Errorf("invalid protocol id %q", idPart)
	}
	if extended {
		if path == "" {
			return model.Pointer{}, fmt.Errorf("empty output name in %q", ref)
		}
		return model.ExtendedRef(id, path), nil
	}
	return model.ProtocolRef(id), nil
}

// protocolArg parses the single protocol id argument of a subcommand.
func protocolArg(name string, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, usageError("usage: foundry %s <protocol-id>", name)
	}
	ids, err := parseIDs(args)
	if err != nil || len(ids) != 1 {
		return 0, usageError("%s: invalid protocol id %q", name, args[0])
	}
	return ids[0], nil
}

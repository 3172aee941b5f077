package schedule

import "testing"

func FuzzParseField(f *testing.F) {
	f.Add(0, "*/5")
	f.Add(1, "0-23/2")
	f.Add(2, "1,15,31")
	f.Add(3, "jan-dec")
	f.Add(4, "mon-fri")
	f.Add(4, "7")
	f.Add(0, "")
	f.Add(0, "60")
	f.Add(0, "1-/")

	f.Fuzz(func(t *testing.T, kind int, expr string) {
		k := FieldKind(kind % 5)
		if k < 0 {
			k = -k
		}
		field, err := ParseField(k, expr)
		if err != nil {
			return
		}
		// The canonical form must parse back to itself.
		again, err := ParseField(k, field.String())
		if err != nil {
			t.Fatalf("canonical %q does not parse: %v", field.String(), err)
		}
		if again.String() != field.String() {
			t.Fatalf("canonical form not stable: %q -> %q", field.String(), again.String())
		}
	})
}

package page

import "testing"

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		ok      bool
		capcode string
		alpha   string
	}{
		{
			name:    "norcom page",
			line:    "POCSAG1200: Address: 1471234  Function: 0  Alpha:   AID EMERGENCY; *FTAC - 3*; X; 1 MAIN ST; E17; 47.6;-122.2<EOT>",
			ok:      true,
			capcode: "1471234",
			alpha:   "AID EMERGENCY; *FTAC - 3*; X; 1 MAIN ST; E17; 47.6;-122.2",
		},
		{
			name:    "trailing carriage return",
			line:    "POCSAG512: Address: 1311234 Function: 3 Alpha: PAGEGATE KEEP ALIVE<NUL>\r\n",
			ok:      true,
			capcode: "1311234",
			alpha:   "PAGEGATE KEEP ALIVE",
		},
		{
			name:    "stacked end markers",
			line:    "POCSAG1200: Address: 1171000 Function: 0 Alpha: hello <EOT><NUL>",
			ok:      true,
			capcode: "1171000",
			alpha:   "hello",
		},
		{
			name: "numeric page",
			line: "POCSAG1200: Address: 1471234 Function: 0 Numeric: 5551212",
		},
		{
			name: "empty alpha",
			line: "POCSAG1200: Address: 1471234 Function: 0 Alpha:   <EOT>",
		},
		{
			name: "decoder banner",
			line: "multimon-ng 1.1.9",
		},
		{
			name: "empty",
			line: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, ok := Match(tt.line)
			if ok != tt.ok {
				t.Fatalf("Match ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if c.Capcode != tt.capcode {
				t.Errorf("Capcode = %q, want %q", c.Capcode, tt.capcode)
			}
			if c.Alpha != tt.alpha {
				t.Errorf("Alpha = %q, want %q", c.Alpha, tt.alpha)
			}
		})
	}
}

package postgresql

import (
	"testing"
	"time"
)

func TestPoolOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   PoolOptions
		want PoolOptions
	}{
		{
			name: "zero values",
			in:   PoolOptions{},
			want: PoolOptions{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: time.Hour},
		},
		{
			name: "idle capped by open",
			in:   PoolOptions{MaxOpenConns: 1, MaxIdleConns: 4},
			want: PoolOptions{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Hour},
		},
		{
			name: "explicit values kept",
			in:   PoolOptions{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Minute},
			want: PoolOptions{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Minute},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

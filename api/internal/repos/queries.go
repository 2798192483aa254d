package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"errors"  // 错误判断
	"fmt"     // 格式化

	"github.com/jackc/pgx/v5"         // pgx 接口
	"github.com/jackc/pgx/v5/pgconn"  // 连接命令结果
	"github.com/jackc/pgx/v5/pgxpool" // 连接池

	"sos-mesh-relay/api/internal/store" // 存储接口
)

// DBTX is satisfied by both the pool and a transaction, so a repo method can
// run inside a caller's transaction.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

var (
	_ DBTX = (*pgxpool.Pool)(nil)
	_ DBTX = (pgx.Tx)(nil)
)

func isNoRows(err error) bool { // 是否无结果
	return errors.Is(err, pgx.ErrNoRows)
}

// boxWhere matches rows inside box whose first bound is placeholder $first.
// A box crossing the antimeridian has MinLon > MaxLon, so BETWEEN fails and
// the second branch takes over.
func boxWhere(first int) string { // 范围条件
	return fmt.Sprintf("latitude BETWEEN $%d AND $%d AND (longitude BETWEEN $%d AND $%d OR ($%d::float8 > $%d::float8 AND (longitude >= $%d OR longitude <= $%d)))",
		first, first+1,
		first+2, first+3,
		first+2, first+3, first+2, first+3)
}

func boxArgs(box store.BoundingBox) []any {
	return []any{box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}
}

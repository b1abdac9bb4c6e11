package mysql

import (
	stdErrors "errors"

	driver "github.com/go-sql-driver/mysql"
)

const errDuplicateEntry = 1062

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = stdErrors.New("不支持的存储驱动")

// IsDuplicateKey 判断错误是否为唯一键冲突。
func IsDuplicateKey(err error) bool {
	var mysqlErr *driver.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

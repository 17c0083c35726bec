package database

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User 表示系统中的账号信息。
type User struct {
	gorm.Model
	Username     string `gorm:"size:64"`
	Email        string `gorm:"uniqueIndex;size:255"`
	PasswordHash string `gorm:"size:255"`
	Tasks        []Task `gorm:"foreignKey:UserEmail;references:Email;constraint:OnDelete:CASCADE"`
}

// Task 表示用户提交的一次对账单生成请求。
// 记录本身在创建后不可变，处理进度通过队列事件传递；
// Status 与 PdfKey 仅由 Worker 在完成时回写。
type Task struct {
	gorm.Model
	Title     string         `gorm:"size:255"`
	UserEmail string         `gorm:"index;size:255"`
	Params    datatypes.JSON `gorm:"type:jsonb"`
	Status    string         `gorm:"size:32"`
	PdfKey    string         `gorm:"size:512"`
}

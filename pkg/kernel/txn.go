package kernel

import (
	"go.uber.org/multierr"

	"github.com/iniwex5/isakmp-go/pkg/policy"
)

// Txn 记录安装操作，失败时逆序回滚
type Txn struct {
	k     Kernel
	undos []func() error
}

func Begin(k Kernel) *Txn {
	return &Txn{k: k}
}

func (tx *Txn) Commit() {
	tx.undos = nil
}

func (tx *Txn) Rollback() error {
	var err error
	for i := len(tx.undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, tx.undos[i]())
	}
	tx.undos = nil
	return err
}

// Len 待回滚的操作数
func (tx *Txn) Len() int { return len(tx.undos) }

func (tx *Txn) UpdateSA(sa *SA) error {
	if err := tx.k.UpdateSA(sa); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.k.DeleteSA(sa.Src, sa.Dst, sa.Proto, sa.SPI)
	})
	return nil
}

func (tx *Txn) AddSA(sa *SA) error {
	if err := tx.k.AddSA(sa); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.k.DeleteSA(sa.Src, sa.Dst, sa.Proto, sa.SPI)
	})
	return nil
}

func (tx *Txn) AddPolicy(sp *policy.SPDEntry) error {
	if err := tx.k.AddPolicy(sp); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.k.DeletePolicy(sp)
	})
	return nil
}

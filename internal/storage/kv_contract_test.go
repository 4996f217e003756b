package storage

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"
)

// kvContractSuite holds the behaviour every KV backend must share. Backend
// suites embed it and set newKV.
type kvContractSuite struct {
	suite.Suite
	newKV func() KV
	kv    KV
}

func (s *kvContractSuite) SetupTest() {
	s.kv = s.newKV()
}

func (s *kvContractSuite) TestGetMissingIsNotFound() {
	_, err := s.kv.Get(context.Background(), "missing")
	s.True(IsNotFound(err))
}

func (s *kvContractSuite) TestSetGetDelete() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Set(ctx, "cred:1", []byte("one"), 0))

	got, err := s.kv.Get(ctx, "cred:1")
	s.Require().NoError(err)
	s.Equal("one", string(got))

	s.Require().NoError(s.kv.Set(ctx, "cred:1", []byte("uno"), time.Minute))
	got, err = s.kv.Get(ctx, "cred:1")
	s.Require().NoError(err)
	s.Equal("uno", string(got))

	s.Require().NoError(s.kv.Delete(ctx, "cred:1", "never-existed"))
	_, err = s.kv.Get(ctx, "cred:1")
	s.True(IsNotFound(err))
}

func (s *kvContractSuite) TestSetNXSingleWinner() {
	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.kv.SetNX(ctx, "grant:consumed:abc", []byte(strconv.Itoa(i)), time.Minute)
			s.NoError(err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *kvContractSuite) TestTakeSingleWinner() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Set(ctx, "vp:req:1", []byte("open"), time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.kv.Take(ctx, "vp:req:1"); err == nil {
				wins.Add(1)
			} else {
				s.True(IsNotFound(err))
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *kvContractSuite) TestIncr() {
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		n, err := s.kv.Incr(ctx, "status:next:list-1")
		s.Require().NoError(err)
		s.Equal(want, n)
	}
}

func (s *kvContractSuite) TestScanPrefixOrdered() {
	ctx := context.Background()
	s.Require().NoError(s.kv.Set(ctx, "vp:req:b", []byte("b"), time.Minute))
	s.Require().NoError(s.kv.Set(ctx, "vp:req:a", []byte("a"), 0))
	s.Require().NoError(s.kv.Set(ctx, "vp:other", []byte("x"), 0))
	s.Require().NoError(s.kv.Set(ctx, "grant:a", []byte("g"), 0))

	entries, err := s.kv.Scan(ctx, "vp:req:")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal("vp:req:a", entries[0].Key)
	s.True(entries[0].ExpiresAt.IsZero())
	s.Equal("vp:req:b", entries[1].Key)
	s.False(entries[1].ExpiresAt.IsZero())
}

package engine

// packer 类型
const (
	packerNative     = "native"
	packerDexEncrypt = "dex_encrypt"
	packerVMP        = "vmp"
	packerUnknown    = "unknown"
)

// packerRule 加固特征
type packerRule struct {
	Name       string
	Type       string
	NativeLibs []string // 特征 so 名称，支持带版本号的变体
	Strings    []string // 文件名或 DEX 字符串中的特征片段
	ClassNames []string // 壳入口类，按类型描述符在 DEX 字符串中查找
	FileSize   sizeRule
	Priority   int
}

// sizeRule 大小异常阈值，0 表示不检查
type sizeRule struct {
	DEXMaxKB    int64
	NativeMinMB int64
}

// builtinPackerRules 内置加固特征库
func builtinPackerRules() []packerRule {
	return []packerRule{
		// 国产加固
		{
			Name:       "360加固",
			Type:       packerNative,
			NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so", "libjiagu_x64.so"},
			Strings:    []string{"com.qihoo.util", "com.stub.StubApp", "com.qihoo360.replugin"},
			ClassNames: []string{"com.stub.StubApp", "com.qihoo.util.QHClassLoader"},
			Priority:   100,
		},
		{
			Name:       "腾讯乐固",
			Type:       packerNative,
			NativeLibs: []string{"libshell.so", "libshellx.so", "libtxmsecurity.so", "libshella-2.10.3.4.so", "libshellx-2.10.3.4.so"},
			Strings:    []string{"com.tencent.StubShell", "com.tencent.bugly", "com.tencent.mm.sdk"},
			ClassNames: []string{"com.tencent.StubShell.TxAppEntry"},
			Priority:   100,
		},
		{
			Name:       "爱加密",
			Type:       packerNative,
			NativeLibs: []string{"libexec.so", "libexecmain.so", "ijiami.ajm"},
			Strings:    []string{"ijiami", "s.h.e.l.l", "com.shell.SuperApplication"},
			ClassNames: []string{"com.shell.SuperApplication"},
			Priority:   100,
		},
		{
			Name:       "梆梆加固",
			Type:       packerNative,
			NativeLibs: []string{"libDexHelper.so", "libDexHelper-x86.so", "libSecShell.so", "libSecShell-x86.so"},
			Strings:    []string{"com.secneo.apkwrapper", "com.bangcle"},
			ClassNames: []string{"com.secneo.apkwrapper.ApplicationWrapper"},
			Priority:   100,
		},
		{
			Name:       "娜迦加固",
			Type:       packerNative,
			NativeLibs: []string{"libnaga.so", "libddog.so", "libedog.so"},
			Strings:    []string{"com.nagapt.protect", "com.naga"},
			ClassNames: []string{"com.nagapt.protect.StubApplication"},
			Priority:   95,
		},
		{
			Name:       "网易易盾",
			Type:       packerNative,
			NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"},
			Strings:    []string{"com.netease.nis", "com.netease.htprotect"},
			ClassNames: []string{"com.netease.nis.wrapper.MyApplication"},
			Priority:   95,
		},
		{
			Name:       "阿里聚安全",
			Type:       packerNative,
			NativeLibs: []string{"libmobisec.so", "libsgmain.so", "libsgsecuritybody.so"},
			Strings:    []string{"com.alibaba.wireless.security", "com.taobao.wireless.security"},
			ClassNames: []string{"com.alibaba.wireless.security.open.SecurityGuardManager"},
			Priority:   95,
		},
		{
			Name:       "百度加固",
			Type:       packerNative,
			NativeLibs: []string{"libbaiduprotect.so", "libcocklogic.so"},
			Strings:    []string{"com.baidu.protect", "com.baidu.cloudacc"},
			ClassNames: []string{"com.baidu.protect.StubApplication"},
			Priority:   90,
		},
		{
			Name:       "通付盾",
			Type:       packerNative,
			NativeLibs: []string{"libegis.so", "libNSaferOnly.so"},
			Strings:    []string{"com.payegis", "com.tongfudun"},
			ClassNames: []string{"com.payegis.protect.StubApp"},
			Priority:   90,
		},
		{
			Name:       "瑞星加固",
			Type:       packerNative,
			NativeLibs: []string{"librsjia.so", "librsdec.so"},
			Strings:    []string{"com.rsshield", "com.rising.shield"},
			ClassNames: []string{"com.rsshield.RsApplication"},
			Priority:   85,
		},
		{
			Name:       "几维安全",
			Type:       packerNative,
			NativeLibs: []string{"libkwscmm.so", "libkwscr.so"},
			Strings:    []string{"com.kiwisec", "cn.kiwisec"},
			ClassNames: []string{"com.kiwisec.android.loader.KWLoader"},
			Priority:   85,
		},
		{
			Name:       "顶像加固",
			Type:       packerNative,
			NativeLibs: []string{"libx3g.so", "libdxoptimizer.so"},
			Strings:    []string{"com.dingxiang.mobile", "com.dx.mobile"},
			ClassNames: []string{"com.dingxiang.mobile.ShieldApp"},
			Priority:   85,
		},
		// 国际加固
		{
			Name:       "DexGuard",
			Type:       packerDexEncrypt,
			Strings:    []string{"DexGuard", "GuardSquare"},
			ClassNames: []string{"o.Oo", "o.OoO", "o.oOo", "o.OOo"},
			Priority:   80,
		},
		{
			Name:       "DexProtector",
			Type:       packerVMP,
			NativeLibs: []string{"libdexprotector.so"},
			Strings:    []string{"liblxz.dexprotector", "DexProtector"},
			Priority:   80,
		},
		{
			Name:       "Arxan",
			Type:       packerNative,
			NativeLibs: []string{"libArxanJNI.so", "libArxan.so"},
			Strings:    []string{"com.arxan", "Arxan"},
			Priority:   75,
		},
		{
			Name:       "AppSealing",
			Type:       packerNative,
			NativeLibs: []string{"libAppSealing.so", "libAppSealingCore.so"},
			Strings:    []string{"AppSealing", "com.appsealing"},
			Priority:   75,
		},
		// 通用特征
		{
			Name: "未知壳 (DEX异常小)",
			Type: packerUnknown,
			FileSize: sizeRule{
				DEXMaxKB:    100, // DEX小于100KB可疑
				NativeMinMB: 0,
			},
			Priority: 10,
		},
		{
			Name: "未知壳 (Native库异常大)",
			Type: packerUnknown,
			FileSize: sizeRule{
				DEXMaxKB:    0,
				NativeMinMB: 10, // Native库超过10MB可疑
			},
			Priority: 10,
		},
	}
}
